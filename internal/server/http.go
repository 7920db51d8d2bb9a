// Package server assembles the transport layer.
package server

import (
	"SlotLane/internal/conf"
	"SlotLane/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer)

// NewHTTPServer new an HTTP server serving the health and status routes.
func NewHTTPServer(c *conf.Server, statusService *service.StatusService, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			logging.Server(logger),
		),
	}
	if c != nil && c.Http != nil {
		if c.Http.Network != "" {
			opts = append(opts, http.Network(c.Http.Network))
		}
		if c.Http.Addr != "" {
			opts = append(opts, http.Address(c.Http.Addr))
		}
		if c.Http.Timeout > 0 {
			opts = append(opts, http.Timeout(c.Http.Timeout))
		}
	}
	srv := http.NewServer(opts...)

	route := srv.Route("/")
	route.GET("/healthz", func(ctx http.Context) error {
		return ctx.Result(200, statusService.Health(ctx))
	})
	route.GET("/v1/status", func(ctx http.Context) error {
		return ctx.Result(200, statusService.Status(ctx))
	})

	return srv
}
