package model

import "time"

// BreakerStateChangedEvent records a circuit breaker transition, published
// to the audit log and (for OPEN transitions) to notification channels.
type BreakerStateChangedEvent struct {
	Endpoint  string
	FromState string
	ToState   string
	ChangedAt time.Time
}

// PlanStateChangedEvent records a remediation plan transition.
type PlanStateChangedEvent struct {
	PlanID    string
	Target    string
	FromState string
	ToState   string
	Actor     string
	Reason    string
	ChangedAt time.Time
}

// DeliveryExhaustedEvent records a notification message that exhausted all
// delivery attempts. Surfaced to operators, never silently dropped.
type DeliveryExhaustedEvent struct {
	MessageID string
	PlanID    string
	Channel   string
	Attempts  int32
	LastError string
}
