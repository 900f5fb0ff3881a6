package biz

import (
	stderrors "errors"
	"fmt"
	"strings"

	"OpsMender/pkg/breaker"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons for the orchestrator error taxonomy. The service layer maps
// these to transport status codes.
const (
	ReasonDependencyTimeout          = "DEPENDENCY_TIMEOUT"
	ReasonDependencyUnavailable      = "DEPENDENCY_UNAVAILABLE"
	ReasonAllDependenciesUnavailable = "ALL_DEPENDENCIES_UNAVAILABLE"
	ReasonInvalidPlanState           = "INVALID_PLAN_STATE"
	ReasonDuplicateActivePlan        = "DUPLICATE_ACTIVE_PLAN"
	ReasonDeliveryExhausted          = "DELIVERY_EXHAUSTED"
	ReasonPlanNotFound               = "PLAN_NOT_FOUND"
)

// NewDependencyTimeout reports that a single endpoint call timed out.
// Counts toward that endpoint's breaker.
func NewDependencyTimeout(endpoint string, err error) *errors.Error {
	return errors.New(504, ReasonDependencyTimeout,
		fmt.Sprintf("dependency %s timed out: %v", endpoint, err))
}

// NewDependencyUnavailable reports that a single endpoint call failed or its
// breaker is OPEN. Counts toward that endpoint's breaker when it was an
// actual call failure.
func NewDependencyUnavailable(endpoint string, err error) *errors.Error {
	return errors.New(503, ReasonDependencyUnavailable,
		fmt.Sprintf("dependency %s unavailable: %v", endpoint, err))
}

// NewInvalidPlanState reports an illegal plan transition attempt. The plan
// is not mutated.
func NewInvalidPlanState(planID, current, wanted string) *errors.Error {
	return errors.New(409, ReasonInvalidPlanState,
		fmt.Sprintf("plan %s is in state %s, transition requires %s", planID, current, wanted))
}

// NewDuplicateActivePlan reports that a plan already exists in a non-terminal
// state for the target. The existing plan id is carried in metadata.
func NewDuplicateActivePlan(target, existingPlanID string) *errors.Error {
	return errors.New(409, ReasonDuplicateActivePlan,
		fmt.Sprintf("target %s already has active plan %s", target, existingPlanID)).
		WithMetadata(map[string]string{"existing_plan_id": existingPlanID})
}

// NewDeliveryExhausted reports a notification that permanently failed after
// max attempts.
func NewDeliveryExhausted(messageID, channel string, attempts int32) *errors.Error {
	return errors.New(500, ReasonDeliveryExhausted,
		fmt.Sprintf("message %s to channel %s failed permanently after %d attempts", messageID, channel, attempts))
}

// NewPlanNotFound reports a lookup for an unknown plan id.
func NewPlanNotFound(planID string) *errors.Error {
	return errors.New(404, ReasonPlanNotFound, fmt.Sprintf("plan %s not found", planID))
}

// AllDependenciesUnavailableError is returned by the gateway when the whole
// fallback chain for an operation kind is skipped or failed. It carries the
// breaker snapshots of every attempted endpoint so callers can log enough
// context to diagnose without replaying the flow. Callers are expected to
// degrade gracefully rather than surface this to the end user.
type AllDependenciesUnavailableError struct {
	Kind      string
	Attempted []breaker.Snapshot
}

// Error implements the error interface.
func (e *AllDependenciesUnavailableError) Error() string {
	names := make([]string, 0, len(e.Attempted))
	for _, s := range e.Attempted {
		names = append(names, fmt.Sprintf("%s(%s)", s.Name, s.State))
	}
	return fmt.Sprintf("all dependencies unavailable for %s: [%s]", e.Kind, strings.Join(names, ", "))
}

// IsDependencyTimeout reports whether err is a dependency timeout.
func IsDependencyTimeout(err error) bool {
	return errors.Reason(err) == ReasonDependencyTimeout
}

// IsDependencyUnavailable reports whether err is a dependency failure.
func IsDependencyUnavailable(err error) bool {
	return errors.Reason(err) == ReasonDependencyUnavailable
}

// IsDependencyFailure reports whether err counts toward a breaker: only
// unavailability and timeout do; caller-side errors never trip a breaker.
func IsDependencyFailure(err error) bool {
	return IsDependencyTimeout(err) || IsDependencyUnavailable(err)
}

// IsCallerSideError reports whether err represents a problem with the
// request itself (validation, bad input) rather than with the dependency.
// Such errors never trip a breaker and are not retried on other endpoints.
func IsCallerSideError(err error) bool {
	code := errors.Code(err)
	return code >= 400 && code < 500 && !IsDependencyFailure(err)
}

// IsAllDependenciesUnavailable reports whether err is an exhausted fallback
// chain.
func IsAllDependenciesUnavailable(err error) bool {
	var e *AllDependenciesUnavailableError
	return stderrors.As(err, &e)
}

// IsInvalidPlanState reports whether err is an illegal transition attempt.
func IsInvalidPlanState(err error) bool {
	return errors.Reason(err) == ReasonInvalidPlanState
}

// IsDuplicateActivePlan reports whether err is a rejected duplicate creation.
func IsDuplicateActivePlan(err error) bool {
	return errors.Reason(err) == ReasonDuplicateActivePlan
}

// IsPlanNotFound reports whether err is an unknown plan id.
func IsPlanNotFound(err error) bool {
	return errors.Reason(err) == ReasonPlanNotFound
}

// ExistingPlanID extracts the winner's plan id from a DuplicateActivePlan
// error, or "" if not present.
func ExistingPlanID(err error) string {
	if se := errors.FromError(err); se != nil {
		return se.Metadata["existing_plan_id"]
	}
	return ""
}
