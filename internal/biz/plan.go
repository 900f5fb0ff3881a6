package biz

import (
	"context"
	"errors"
	"time"

	"OpsMender/internal/data"
	"OpsMender/internal/model"
	pkgerrors "OpsMender/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// PlanRepo defines the remediation plan repository interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.PlanRepo).
type PlanRepo interface {
	CreateExclusive(ctx context.Context, plan *data.RemediationPlan) error
	GetPlan(ctx context.Context, id string) (*data.RemediationPlan, error)
	UpdateState(ctx context.Context, id string, from, to data.PlanState, reason string) (*data.RemediationPlan, error)
	Approve(ctx context.Context, id, approver string) (*data.RemediationPlan, error)
	Reject(ctx context.Context, id, approver, reason string) (*data.RemediationPlan, error)
	SetExecutionResult(ctx context.Context, id string, result string) error
	ListByTarget(ctx context.Context, target string, limit int) ([]*data.RemediationPlan, error)
	ListStuckExecuting(ctx context.Context, olderThan time.Duration) ([]*data.RemediationPlan, error)
}

// PlanUsecase enforces the remediation plan state machine on top of the
// repository. Every transition is validated against the expected source
// state; a concurrent transition surfaces as INVALID_PLAN_STATE rather
// than silently overwriting.
type PlanUsecase struct {
	repo   PlanRepo
	audit  AuditLogger
	logger *log.Helper
}

// NewPlanUsecase creates a new plan usecase.
func NewPlanUsecase(repo PlanRepo, audit AuditLogger, logger log.Logger) *PlanUsecase {
	return &PlanUsecase{
		repo:   repo,
		audit:  audit,
		logger: log.NewHelper(logger),
	}
}

// Create persists a draft plan, enforcing one active plan per target.
func (uc *PlanUsecase) Create(ctx context.Context, plan *data.RemediationPlan) error {
	if err := uc.repo.CreateExclusive(ctx, plan); err != nil {
		var dup *data.DuplicateActivePlanError
		if errors.As(err, &dup) {
			return NewDuplicateActivePlan(plan.Target, dup.ExistingID)
		}
		return err
	}
	uc.audit.LogPlanCreated(ctx, plan.ID, plan.Target, plan.Severity, plan.Degraded)
	return nil
}

// Get returns a plan by ID.
func (uc *PlanUsecase) Get(ctx context.Context, id string) (*data.RemediationPlan, error) {
	plan, err := uc.repo.GetPlan(ctx, id)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, NewPlanNotFound(id)
		}
		return nil, err
	}
	return plan, nil
}

// Submit moves a draft plan to pending approval.
func (uc *PlanUsecase) Submit(ctx context.Context, id string) (*data.RemediationPlan, error) {
	return uc.transition(ctx, id, data.PlanStateDraft, data.PlanStatePendingApproval, "", "awaiting approval")
}

// Approve moves a pending plan to approved and records the approver.
func (uc *PlanUsecase) Approve(ctx context.Context, id, approver string) (*data.RemediationPlan, error) {
	plan, err := uc.repo.Approve(ctx, id, approver)
	if err != nil {
		return nil, uc.mapTransitionErr(id, err)
	}
	uc.audit.LogPlanStateChanged(ctx, &model.PlanStateChangedEvent{
		PlanID:    id,
		Target:    plan.Target,
		FromState: string(data.PlanStatePendingApproval),
		ToState:   string(data.PlanStateApproved),
		Actor:     approver,
		Reason:    "approved",
		ChangedAt: time.Now(),
	})
	return plan, nil
}

// Reject moves a pending plan to rejected with the given reason.
func (uc *PlanUsecase) Reject(ctx context.Context, id, approver, reason string) (*data.RemediationPlan, error) {
	if reason == "" {
		reason = "rejected"
	}
	plan, err := uc.repo.Reject(ctx, id, approver, reason)
	if err != nil {
		return nil, uc.mapTransitionErr(id, err)
	}
	uc.audit.LogPlanStateChanged(ctx, &model.PlanStateChangedEvent{
		PlanID:    id,
		Target:    plan.Target,
		FromState: string(data.PlanStatePendingApproval),
		ToState:   string(data.PlanStateRejected),
		Actor:     approver,
		Reason:    reason,
		ChangedAt: time.Now(),
	})
	return plan, nil
}

// MarkExecuting moves an approved plan to executing.
func (uc *PlanUsecase) MarkExecuting(ctx context.Context, id string) (*data.RemediationPlan, error) {
	return uc.transition(ctx, id, data.PlanStateApproved, data.PlanStateExecuting, "", "execution started")
}

// Complete moves an executing plan to completed and stores the executor
// result payload.
func (uc *PlanUsecase) Complete(ctx context.Context, id, result string) (*data.RemediationPlan, error) {
	plan, err := uc.transition(ctx, id, data.PlanStateExecuting, data.PlanStateCompleted, "", "execution succeeded")
	if err != nil {
		return nil, err
	}
	if result != "" {
		if err := uc.repo.SetExecutionResult(ctx, id, result); err != nil {
			uc.logger.Warnw("plan completed but result not stored",
				"plan_id", id, "error", err)
		}
	}
	return plan, nil
}

// Fail moves an executing plan to failed with the given reason.
func (uc *PlanUsecase) Fail(ctx context.Context, id, reason string) (*data.RemediationPlan, error) {
	return uc.transition(ctx, id, data.PlanStateExecuting, data.PlanStateFailed, "", reason)
}

// ForceFail moves a plan to failed from whatever non-terminal state it is
// in. Plans stranded in draft or approved by a crash mid-flow still block
// their target, and this is the only way out for them. A concurrent
// transition between the read and the conditional update surfaces as
// INVALID_PLAN_STATE and the caller retries.
func (uc *PlanUsecase) ForceFail(ctx context.Context, id, actor, reason string) (*data.RemediationPlan, error) {
	plan, err := uc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.State.Terminal() {
		return nil, NewInvalidPlanState(id, string(plan.State), "a non-terminal state")
	}
	return uc.transition(ctx, id, plan.State, data.PlanStateFailed, actor, reason)
}

// ListByTarget returns recent plans for a target.
func (uc *PlanUsecase) ListByTarget(ctx context.Context, target string, limit int) ([]*data.RemediationPlan, error) {
	return uc.repo.ListByTarget(ctx, target, limit)
}

// ReapStuck fails plans that have been executing longer than maxAge.
// Called from cron; a stale transition means another worker already
// resolved the plan and is not an error.
func (uc *PlanUsecase) ReapStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	stuck, err := uc.repo.ListStuckExecuting(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, plan := range stuck {
		_, err := uc.transition(ctx, plan.ID, data.PlanStateExecuting, data.PlanStateFailed,
			"", "execution timed out")
		if err != nil {
			if IsInvalidPlanState(err) {
				continue
			}
			uc.logger.Errorw("failed to reap stuck plan",
				"plan_id", plan.ID, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		uc.logger.Warnw("stuck plans reaped", "count", reaped, "max_age", maxAge)
	}
	return reaped, nil
}

func (uc *PlanUsecase) transition(ctx context.Context, id string, from, to data.PlanState, actor, reason string) (*data.RemediationPlan, error) {
	plan, err := uc.repo.UpdateState(ctx, id, from, to, reason)
	if err != nil {
		return nil, uc.mapTransitionErr(id, err)
	}
	uc.audit.LogPlanStateChanged(ctx, &model.PlanStateChangedEvent{
		PlanID:    id,
		Target:    plan.Target,
		FromState: string(from),
		ToState:   string(to),
		Actor:     actor,
		Reason:    reason,
		ChangedAt: time.Now(),
	})
	return plan, nil
}

// mapTransitionErr converts repository errors into the biz taxonomy.
func (uc *PlanUsecase) mapTransitionErr(id string, err error) error {
	var stale *data.StaleStateError
	if errors.As(err, &stale) {
		return NewInvalidPlanState(id, string(stale.Actual), string(stale.Expected))
	}
	if pkgerrors.IsNotFound(err) {
		return NewPlanNotFound(id)
	}
	return err
}
