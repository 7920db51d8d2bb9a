//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"SlotLane/internal/biz"
	"SlotLane/internal/conf"
	"SlotLane/internal/data"
	"SlotLane/internal/server"
	"SlotLane/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.Portal, *conf.Orchestrator, *conf.RateLimit, *conf.Breaker, *conf.Idempotency, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		newHousekeeping,
		newApp,
	))
}
