package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfigFile writes a temporary YAML config file and returns its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewBootstrap_Defaults(t *testing.T) {
	path := writeConfigFile(t, `
data:
  database:
    source: "user:pass@tcp(localhost:3306)/slotlane"
`)

	bc, err := NewBootstrap(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", bc.Server.Http.Addr)
	assert.Equal(t, 60*time.Second, bc.Orchestrator.Interval)
	assert.Equal(t, 90*time.Second, bc.Orchestrator.CycleSleep)
	assert.Equal(t, 24*time.Hour, bc.Idempotency.TTL)
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)

	// Redis is optional and disabled by default
	assert.Empty(t, bc.Data.Redis.Addr)

	// All four built-in limit classes must be present
	for _, name := range []string{"login", "slot_check", "booking", "default"} {
		class, ok := bc.RateLimit.Classes[name]
		require.True(t, ok, "missing class %s", name)
		assert.Positive(t, class.MaxAttempts)
		assert.Positive(t, class.Window)
	}
	assert.Equal(t, 3, bc.RateLimit.Classes["login"].MaxAttempts)
	assert.Equal(t, 5*time.Minute, bc.RateLimit.Classes["login"].Window)
}

func TestNewBootstrap_FileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
data:
  database:
    source: "user:pass@tcp(localhost:3306)/slotlane"
  redis:
    addr: "127.0.0.1:6379"
orchestrator:
  interval: 30s
  cycle_sleep: 2m
rate_limit:
  slot_check:
    max_attempts: 5
    window: 60s
breaker:
  max_consecutive_errors: 3
log:
  level: debug
  format: console
`)

	bc, err := NewBootstrap(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, 30*time.Second, bc.Orchestrator.Interval)
	assert.Equal(t, 2*time.Minute, bc.Orchestrator.CycleSleep)
	assert.Equal(t, 5, bc.RateLimit.Classes["slot_check"].MaxAttempts)
	assert.Equal(t, time.Minute, bc.RateLimit.Classes["slot_check"].Window)
	assert.Equal(t, 3, bc.Breaker.MaxConsecutiveErrors)
	assert.Equal(t, "debug", bc.Log.Level)
}

func TestNewBootstrap_EnvOverride(t *testing.T) {
	t.Setenv("MYSQL_DSN", "env:pass@tcp(db:3306)/slotlane")
	t.Setenv("SLOTLANE_DATA_REDIS_ADDR", "redis:6379")

	bc, err := NewBootstrap("")
	require.NoError(t, err)

	assert.Equal(t, "env:pass@tcp(db:3306)/slotlane", bc.Data.Database.Source)
	assert.Equal(t, "redis:6379", bc.Data.Redis.Addr)
}

func TestNewBootstrap_MissingDatabase(t *testing.T) {
	_, err := NewBootstrap("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.database.source")
}

func TestNewBootstrap_MissingFile(t *testing.T) {
	_, err := NewBootstrap("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate_InvalidRateLimitClass(t *testing.T) {
	bc := &Bootstrap{
		Data: &Data{Database: &Database{Source: "dsn"}},
		Orchestrator: &Orchestrator{
			Interval: time.Minute,
		},
		RateLimit: &RateLimit{
			Classes: map[string]*RateLimitClass{
				"login": {MaxAttempts: 0, Window: time.Minute},
			},
		},
	}

	err := Validate(bc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.login")
}
