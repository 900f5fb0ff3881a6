package model

import (
	"context"
	"encoding/json"

	"OpsMender/pkg/breaker"
)

// OperationKind identifies one class of dependency call. Each kind has its
// own fallback chain, cache TTL and degraded response.
type OperationKind string

// Core operation kinds.
const (
	OpDiagnosis OperationKind = "diagnosis"
	OpPlanDraft OperationKind = "plan"
	OpInterpret OperationKind = "interpret"
	OpExecute   OperationKind = "execute"
)

// NotifyOp returns the operation kind for deliveries to a notification
// channel. Channel sends go through the gateway so channel outages trip
// breakers and can fall back like any other dependency.
func NotifyOp(channel string) OperationKind {
	return OperationKind("notify/" + channel)
}

// InvokeFunc performs one call against one dependency endpoint. Implementors
// must classify errors: dependency unavailability and timeouts carry the
// gateway taxonomy reasons; anything else is treated as a caller-side error
// and never trips the breaker.
type InvokeFunc func(ctx context.Context, input map[string]interface{}) (json.RawMessage, error)

// EndpointSpec registers one callable backend in a fallback chain.
// Immutable once registered; the data layer builds these from configuration.
type EndpointSpec struct {
	Kind     OperationKind
	Name     string
	Priority int // lower is tried first
	Breaker  breaker.Config
	Invoke   InvokeFunc
}
