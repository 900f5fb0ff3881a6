package biz

import (
	"context"

	"OpsMender/internal/model"
)

// AuditLogger defines the interface for the remediation audit trail.
// Implementations must not block the calling remediation flow.
type AuditLogger interface {
	// LogPlanCreated records a plan creation event.
	LogPlanCreated(ctx context.Context, planID, target, severity string, degraded bool)

	// LogPlanStateChanged records a plan state transition.
	LogPlanStateChanged(ctx context.Context, ev *model.PlanStateChangedEvent)

	// LogBreakerChanged records a circuit breaker transition.
	LogBreakerChanged(ctx context.Context, ev *model.BreakerStateChangedEvent)

	// LogDeliveryExhausted records a permanently failed notification.
	LogDeliveryExhausted(ctx context.Context, ev *model.DeliveryExhaustedEvent)
}
