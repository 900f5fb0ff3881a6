// Package biz contains business logic layer implementations.
// This layer holds the remediation state machine, the dependency gateway
// and the notification dispatcher.
package biz

import (
	"context"
	"time"

	"OpsMender/internal/conf"
	"OpsMender/internal/data"
	"OpsMender/internal/model"
	"OpsMender/pkg/breaker"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewPlanUsecase,
	NewOrchestrator,
	NewDependencyGateway,
	NewDispatcherFromConf,
	NewResponseCache,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(PlanRepo), new(*data.PlanRepo)),
	wire.Bind(new(MessageRepo), new(*data.MessageRepo)),
	wire.Bind(new(AuditLogger), new(*data.AuditLogRepo)),
)

// NewResponseCache exposes the data layer cache under the gateway's
// narrower interface.
func NewResponseCache(cache data.CacheClient) ResponseCache {
	return cache
}

// NewDependencyGateway assembles the gateway over backend and channel
// chains and wires breaker transitions into the audit trail.
func NewDependencyGateway(c *conf.Resilience, cache ResponseCache, backends data.EndpointSpecs, channels *data.ChannelSet, audit AuditLogger, logger log.Logger) *Gateway {
	specs := make([]*EndpointSpec, 0, len(backends)+len(channels.Specs))
	for i := range backends {
		specs = append(specs, &backends[i])
	}
	for i := range channels.Specs {
		specs = append(specs, &channels.Specs[i])
	}
	onChange := func(name string, from, to breaker.State) {
		audit.LogBreakerChanged(context.Background(), &model.BreakerStateChangedEvent{
			Endpoint:  name,
			FromState: string(from),
			ToState:   string(to),
			ChangedAt: time.Now(),
		})
	}
	return NewGateway(c, cache, specs, logger, WithBreakerStateChange(onChange))
}

// NewDispatcherFromConf builds the dispatcher from notify configuration.
func NewDispatcherFromConf(c *conf.Notify, repo MessageRepo, gateway *Gateway, channels *data.ChannelSet, audit AuditLogger, logger log.Logger) *Dispatcher {
	cfg := DispatcherConfig{}
	if c != nil {
		cfg.MaxAttempts = c.MaxAttempts
		if c.BackoffBase != nil {
			cfg.BackoffBase = c.BackoffBase.AsDuration()
		}
		if c.PollInterval != nil {
			cfg.PollInterval = c.PollInterval.AsDuration()
		}
	}
	return NewDispatcher(repo, gateway, channels.Roster, audit, cfg, logger)
}
