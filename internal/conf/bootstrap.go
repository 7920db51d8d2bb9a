// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bootstrap is the root configuration for the SlotLane service.
type Bootstrap struct {
	Server       *Server
	Data         *Data
	Portal       *Portal
	Orchestrator *Orchestrator
	RateLimit    *RateLimit
	Breaker      *Breaker
	Idempotency  *Idempotency
	Log          *Log
}

// Server holds the status HTTP server configuration.
type Server struct {
	Http *ServerHTTP
}

// ServerHTTP holds network settings for the HTTP status endpoint.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds data source configuration.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database holds the source-of-truth database settings.
type Database struct {
	Driver string
	Source string
}

// Redis holds the shared-store settings. An empty Addr disables the shared
// store and the limiter/idempotency backends run process-local.
type Redis struct {
	Network      string
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Portal holds the target booking portal settings for the default HTTP
// automation surface.
type Portal struct {
	// BaseURL is the portal origin, e.g. https://appointments.example.org.
	BaseURL string
	// Timeout bounds a single portal request.
	Timeout time.Duration
}

// Orchestrator holds control-loop timing.
type Orchestrator struct {
	// Interval between monitoring ticks (partition diff + worker reconcile).
	Interval time.Duration
	// PoolRefreshInterval between credential/proxy re-fetches.
	PoolRefreshInterval time.Duration
	// CycleSleep between a worker's consecutive cycles.
	CycleSleep time.Duration
	// CycleTimeout bounds a single worker cycle.
	CycleTimeout time.Duration
}

// RateLimit holds per-class admission budgets.
type RateLimit struct {
	Classes map[string]*RateLimitClass
}

// RateLimitClass is one sliding-window budget.
type RateLimitClass struct {
	MaxAttempts int
	Window      time.Duration
}

// Breaker holds circuit breaker thresholds.
type Breaker struct {
	MaxConsecutiveErrors int
	MaxErrorsPerWindow   int
	ErrorWindow          time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
}

// Idempotency holds the side-effect dedup cache settings.
type Idempotency struct {
	TTL time.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with SLOTLANE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or SLOTLANE_DATA_DATABASE_SOURCE: MySQL connection string
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable support with SLOTLANE_ prefix
	v.SetEnvPrefix("SLOTLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names for required fields
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "SLOTLANE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "SLOTLANE_DATA_REDIS_ADDR")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Portal: &Portal{
			BaseURL: v.GetString("portal.base_url"),
			Timeout: v.GetDuration("portal.timeout"),
		},
		Orchestrator: &Orchestrator{
			Interval:            v.GetDuration("orchestrator.interval"),
			PoolRefreshInterval: v.GetDuration("orchestrator.pool_refresh_interval"),
			CycleSleep:          v.GetDuration("orchestrator.cycle_sleep"),
			CycleTimeout:        v.GetDuration("orchestrator.cycle_timeout"),
		},
		RateLimit: &RateLimit{
			Classes: loadRateLimitClasses(v),
		},
		Breaker: &Breaker{
			MaxConsecutiveErrors: v.GetInt("breaker.max_consecutive_errors"),
			MaxErrorsPerWindow:   v.GetInt("breaker.max_errors_per_window"),
			ErrorWindow:          v.GetDuration("breaker.error_window"),
			BackoffBase:          v.GetDuration("breaker.backoff_base"),
			BackoffCap:           v.GetDuration("breaker.backoff_cap"),
		},
		Idempotency: &Idempotency{
			TTL: v.GetDuration("idempotency.ttl"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// loadRateLimitClasses reads the per-class budgets, guaranteeing the four
// built-in classes are always present.
func loadRateLimitClasses(v *viper.Viper) map[string]*RateLimitClass {
	classes := make(map[string]*RateLimitClass)
	for _, name := range []string{"login", "slot_check", "booking", "default"} {
		classes[name] = &RateLimitClass{
			MaxAttempts: v.GetInt("rate_limit." + name + ".max_attempts"),
			Window:      v.GetDuration("rate_limit." + name + ".window"),
		}
	}
	return classes
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Portal defaults
	// Note: portal.base_url is required and has no sensible default
	v.SetDefault("portal.timeout", 30*time.Second)

	// Orchestrator defaults
	v.SetDefault("orchestrator.interval", 60*time.Second)
	v.SetDefault("orchestrator.pool_refresh_interval", 5*time.Minute)
	v.SetDefault("orchestrator.cycle_sleep", 90*time.Second)
	v.SetDefault("orchestrator.cycle_timeout", 10*time.Minute)

	// Rate limit defaults: the portal throttles login hardest
	v.SetDefault("rate_limit.login.max_attempts", 3)
	v.SetDefault("rate_limit.login.window", 5*time.Minute)
	v.SetDefault("rate_limit.slot_check.max_attempts", 10)
	v.SetDefault("rate_limit.slot_check.window", time.Minute)
	v.SetDefault("rate_limit.booking.max_attempts", 2)
	v.SetDefault("rate_limit.booking.window", 10*time.Minute)
	v.SetDefault("rate_limit.default.max_attempts", 20)
	v.SetDefault("rate_limit.default.window", time.Minute)

	// Breaker defaults
	v.SetDefault("breaker.max_consecutive_errors", 5)
	v.SetDefault("breaker.max_errors_per_window", 10)
	v.SetDefault("breaker.error_window", 10*time.Minute)
	v.SetDefault("breaker.backoff_base", 30*time.Second)
	v.SetDefault("breaker.backoff_cap", 30*time.Minute)

	// Idempotency defaults
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if bc.Orchestrator == nil || bc.Orchestrator.Interval <= 0 {
		missingFields = append(missingFields, "orchestrator.interval")
	}

	if bc.RateLimit != nil {
		for name, class := range bc.RateLimit.Classes {
			if class.MaxAttempts <= 0 || class.Window <= 0 {
				missingFields = append(missingFields, fmt.Sprintf("rate_limit.%s", name))
			}
		}
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	return nil
}
