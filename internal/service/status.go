// Package service exposes the observability surface over HTTP.
package service

import (
	"context"
	"time"

	"SlotLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewStatusService)

// StatusReply is the full /v1/status payload.
type StatusReply struct {
	Service      string                 `json:"service"`
	Time         time.Time              `json:"time"`
	Orchestrator biz.OrchestratorStatus `json:"orchestrator"`
	Classifier   biz.ClassifierStats    `json:"classifier"`
}

// HealthReply is the /healthz payload.
type HealthReply struct {
	Status string `json:"status"`
}

// StatusService serves structured snapshots of the orchestrator and its
// components. Read-only; the core has no end-user control surface.
type StatusService struct {
	orchestrator *biz.Orchestrator
	classifier   *biz.StateClassifier
	logger       *log.Helper
}

// NewStatusService creates a new StatusService instance.
func NewStatusService(orchestrator *biz.Orchestrator, classifier *biz.StateClassifier, logger log.Logger) *StatusService {
	return &StatusService{
		orchestrator: orchestrator,
		classifier:   classifier,
		logger:       log.NewHelper(logger),
	}
}

// Status returns the current snapshot.
func (s *StatusService) Status(_ context.Context) *StatusReply {
	return &StatusReply{
		Service:      "SlotLane",
		Time:         time.Now().UTC(),
		Orchestrator: s.orchestrator.Status(),
		Classifier:   s.classifier.Stats(),
	}
}

// Health reports liveness.
func (s *StatusService) Health(_ context.Context) *HealthReply {
	return &HealthReply{Status: "ok"}
}
