package data

import (
	"context"
	"encoding/json"
	"time"

	"OpsMender/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// AuditEventType identifies the kind of audit event.
type AuditEventType string

// Audit event types recorded by the orchestrator.
const (
	AuditEventPlanCreated      AuditEventType = "plan_created"
	AuditEventPlanStateChanged AuditEventType = "plan_state_changed"
	AuditEventBreakerChanged   AuditEventType = "breaker_state_changed"
	AuditEventDeliveryFailed   AuditEventType = "delivery_exhausted"
)

// AuditEvent is the GORM model for remediation_audit_events table.
type AuditEvent struct {
	ID        int64          `gorm:"primaryKey;column:id"`
	PlanID    string         `gorm:"column:plan_id;size:36;index"`
	EventType AuditEventType `gorm:"column:event_type;type:varchar(50);not null"`
	Actor     string         `gorm:"column:actor;size:100;not null"`
	Details   string         `gorm:"column:details;type:json"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (AuditEvent) TableName() string {
	return "remediation_audit_events"
}

// AuditLogRepo implements biz.AuditLogger interface with an async writer.
// Events are queued on a buffered channel so audit writes never block the
// remediation flow; a full channel drops the event with a warning.
type AuditLogRepo struct {
	db      *gorm.DB
	logChan chan *AuditEvent
	logger  *log.Helper
}

// NewAuditLogRepo creates a new audit logger with async channel.
func NewAuditLogRepo(db *gorm.DB, logger log.Logger) *AuditLogRepo {
	al := &AuditLogRepo{
		db:      db,
		logChan: make(chan *AuditEvent, 1000),
		logger:  log.NewHelper(logger),
	}

	go al.start()

	return al
}

// start processes audit events from the channel.
func (a *AuditLogRepo) start() {
	for event := range a.logChan {
		ctx := context.Background()
		if err := a.db.WithContext(ctx).Create(event).Error; err != nil {
			a.logger.Errorw("failed to write audit event",
				"plan_id", event.PlanID,
				"event_type", event.EventType,
				"error", err)
		} else {
			a.logger.Debugw("audit event written",
				"plan_id", event.PlanID,
				"event_type", event.EventType)
		}
	}
}

// enqueue sends an event to the channel without blocking.
func (a *AuditLogRepo) enqueue(event *AuditEvent) {
	select {
	case a.logChan <- event:
	default:
		a.logger.Warnw("audit channel full, dropping event",
			"plan_id", event.PlanID,
			"event_type", event.EventType)
	}
}

// LogPlanCreated records a plan creation event.
func (a *AuditLogRepo) LogPlanCreated(ctx context.Context, planID, target, severity string, degraded bool) {
	details, err := json.Marshal(map[string]interface{}{
		"target":   target,
		"severity": severity,
		"degraded": degraded,
	})
	if err != nil {
		a.logger.Errorw("failed to marshal audit details", "error", err)
		return
	}
	a.enqueue(&AuditEvent{
		PlanID:    planID,
		EventType: AuditEventPlanCreated,
		Actor:     "system",
		Details:   string(details),
	})
}

// LogPlanStateChanged records a plan state transition.
func (a *AuditLogRepo) LogPlanStateChanged(ctx context.Context, ev *model.PlanStateChangedEvent) {
	actor := ev.Actor
	if actor == "" {
		actor = "system"
	}
	details, err := json.Marshal(map[string]interface{}{
		"target":     ev.Target,
		"from":       ev.FromState,
		"to":         ev.ToState,
		"reason":     ev.Reason,
		"changed_at": ev.ChangedAt,
	})
	if err != nil {
		a.logger.Errorw("failed to marshal audit details", "error", err)
		return
	}
	a.enqueue(&AuditEvent{
		PlanID:    ev.PlanID,
		EventType: AuditEventPlanStateChanged,
		Actor:     actor,
		Details:   string(details),
	})
}

// LogBreakerChanged records a circuit breaker transition.
func (a *AuditLogRepo) LogBreakerChanged(ctx context.Context, ev *model.BreakerStateChangedEvent) {
	details, err := json.Marshal(map[string]interface{}{
		"endpoint":   ev.Endpoint,
		"from":       ev.FromState,
		"to":         ev.ToState,
		"changed_at": ev.ChangedAt,
	})
	if err != nil {
		a.logger.Errorw("failed to marshal audit details", "error", err)
		return
	}
	a.enqueue(&AuditEvent{
		EventType: AuditEventBreakerChanged,
		Actor:     "system",
		Details:   string(details),
	})
}

// LogDeliveryExhausted records a permanently failed notification.
func (a *AuditLogRepo) LogDeliveryExhausted(ctx context.Context, ev *model.DeliveryExhaustedEvent) {
	details, err := json.Marshal(map[string]interface{}{
		"message_id": ev.MessageID,
		"channel":    ev.Channel,
		"attempts":   ev.Attempts,
		"last_error": ev.LastError,
	})
	if err != nil {
		a.logger.Errorw("failed to marshal audit details", "error", err)
		return
	}
	a.enqueue(&AuditEvent{
		PlanID:    ev.PlanID,
		EventType: AuditEventDeliveryFailed,
		Actor:     "system",
		Details:   string(details),
	})
}

// RecentEvents returns the latest audit events for a plan.
func (a *AuditLogRepo) RecentEvents(ctx context.Context, planID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var events []*AuditEvent
	err := a.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		a.logger.Errorf("failed to list audit events for plan %s: %v", planID, err)
		return nil, err
	}
	return events, nil
}
