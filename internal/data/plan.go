package data

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	pkgerrors "OpsMender/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlanState represents the database ENUM type for remediation plan state.
type PlanState string

// Plan state constants for the remediation lifecycle.
const (
	PlanStateDraft           PlanState = "draft"
	PlanStatePendingApproval PlanState = "pending_approval"
	PlanStateApproved        PlanState = "approved"
	PlanStateExecuting       PlanState = "executing"
	PlanStateCompleted       PlanState = "completed"
	PlanStateFailed          PlanState = "failed"
	PlanStateRejected        PlanState = "rejected"
)

// activeStates are the states in which a plan blocks new plans for the
// same target.
var activeStates = []PlanState{
	PlanStateDraft,
	PlanStatePendingApproval,
	PlanStateApproved,
	PlanStateExecuting,
}

// Scan implements sql.Scanner interface for PlanState.
func (s *PlanState) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = PlanState(v)
	case string:
		*s = PlanState(v)
	default:
		return fmt.Errorf("cannot scan type %T into PlanState", value)
	}
	return nil
}

// Value implements driver.Valuer interface for PlanState.
func (s PlanState) Value() (driver.Value, error) {
	return string(s), nil
}

// Terminal reports whether the state admits no further transitions.
func (s PlanState) Terminal() bool {
	return s == PlanStateCompleted || s == PlanStateFailed || s == PlanStateRejected
}

// RemediationPlan is the GORM model for remediation_plans table.
type RemediationPlan struct {
	ID              string    `gorm:"primaryKey;column:id;size:36"`
	Target          string    `gorm:"column:target;size:255;not null;index:idx_plans_target"`
	Title           string    `gorm:"column:title;size:255;not null"`
	Description     string    `gorm:"column:description;type:text"`
	PlaybookPayload string    `gorm:"column:playbook_payload;type:json"`
	Severity        string    `gorm:"column:severity;size:16;not null"`
	State           PlanState `gorm:"column:state;type:enum('draft','pending_approval','approved','executing','completed','failed','rejected');default:'draft';not null;index:idx_plans_state"`
	StateReason     string    `gorm:"column:state_reason;type:text"`
	// Degraded marks plans drafted from a templated fallback rather than a
	// live diagnosis backend.
	Degraded        bool       `gorm:"column:degraded;default:false;not null"`
	RequestID       string     `gorm:"column:request_id;size:32"`
	ApprovedBy      *string    `gorm:"column:approved_by;size:100"`
	ApprovedAt      *time.Time `gorm:"column:approved_at"`
	ExecutionResult *string    `gorm:"column:execution_result;type:json"`
	ExecutingSince  *time.Time `gorm:"column:executing_since"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (RemediationPlan) TableName() string {
	return "remediation_plans"
}

// DuplicateActivePlanError reports that a target already has an active plan.
type DuplicateActivePlanError struct {
	Target     string
	ExistingID string
}

func (e *DuplicateActivePlanError) Error() string {
	return fmt.Sprintf("target %s already has active plan %s", e.Target, e.ExistingID)
}

// StaleStateError reports a conditional state update that matched no row
// because the plan has moved on.
type StaleStateError struct {
	PlanID   string
	Expected PlanState
	Actual   PlanState
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("plan %s is %s, expected %s", e.PlanID, e.Actual, e.Expected)
}

// PlanRepo implements biz.PlanRepo interface.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
type PlanRepo struct {
	data   *Data
	db     *gorm.DB
	logger *log.Helper

	// mu guards targetLocks.
	mu          sync.Mutex
	targetLocks map[string]*sync.Mutex
}

// NewPlanRepo creates a new remediation plan repository.
func NewPlanRepo(data *Data, db *gorm.DB, logger log.Logger) *PlanRepo {
	return &PlanRepo{
		data:        data,
		db:          db,
		logger:      log.NewHelper(logger),
		targetLocks: make(map[string]*sync.Mutex),
	}
}

// lockTarget serializes plan creation per target within this process.
// The transactional existence check handles races across instances.
func (r *PlanRepo) lockTarget(target string) func() {
	r.mu.Lock()
	l, ok := r.targetLocks[target]
	if !ok {
		l = &sync.Mutex{}
		r.targetLocks[target] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateExclusive inserts a plan if its target has no active plan.
// Returns DuplicateActivePlanError naming the existing plan otherwise.
func (r *PlanRepo) CreateExclusive(ctx context.Context, plan *RemediationPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.State == "" {
		plan.State = PlanStateDraft
	}

	unlock := r.lockTarget(plan.Target)
	defer unlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Locked read: a plain SELECT under REPEATABLE READ takes no
		// locks, so two instances could both see no active plan.
		var existing RemediationPlan
		err := tx.Where("target = ? AND state IN ?", plan.Target, activeStates).
			Select("id").Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing).Error
		if err == nil {
			return &DuplicateActivePlanError{Target: plan.Target, ExistingID: existing.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check active plans: %w", err)
		}
		return tx.Create(plan).Error
	})
	if err != nil {
		var dup *DuplicateActivePlanError
		if errors.As(err, &dup) {
			r.logger.Warnw("duplicate active plan rejected",
				"target", plan.Target,
				"existing_plan_id", dup.ExistingID)
			return err
		}
		dbErr := pkgerrors.ClassifyDBError(err)
		r.logger.Errorw("failed to create plan",
			"target", plan.Target,
			"error", dbErr.Error())
		return dbErr
	}

	r.logger.Infow("plan created",
		"plan_id", plan.ID,
		"target", plan.Target,
		"severity", plan.Severity,
		"degraded", plan.Degraded)
	return nil
}

// GetPlan retrieves a plan by ID.
func (r *PlanRepo) GetPlan(ctx context.Context, id string) (*RemediationPlan, error) {
	var plan RemediationPlan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ClassifyDBError(err)
		}
		r.logger.Errorf("failed to get plan %s: %v", id, err)
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// UpdateState moves a plan from an expected state to a new one with a
// single conditional UPDATE. When no row matches it loads the plan and
// returns StaleStateError with the actual state, or a not-found error.
func (r *PlanRepo) UpdateState(ctx context.Context, id string, from, to PlanState, reason string) (*RemediationPlan, error) {
	fields := map[string]interface{}{
		"state":        to,
		"state_reason": reason,
		"updated_at":   time.Now(),
	}
	now := time.Now()
	switch to {
	case PlanStateExecuting:
		fields["executing_since"] = now
	case PlanStateCompleted, PlanStateFailed:
		fields["completed_at"] = now
	}

	return r.applyStateUpdate(ctx, id, from, to, fields)
}

// Approve moves a pending plan to approved and records the approver.
func (r *PlanRepo) Approve(ctx context.Context, id, approver string) (*RemediationPlan, error) {
	now := time.Now()
	fields := map[string]interface{}{
		"state":        PlanStateApproved,
		"state_reason": "approved by " + approver,
		"approved_by":  approver,
		"approved_at":  now,
		"updated_at":   now,
	}
	return r.applyStateUpdate(ctx, id, PlanStatePendingApproval, PlanStateApproved, fields)
}

// Reject moves a pending plan to rejected with the given reason.
func (r *PlanRepo) Reject(ctx context.Context, id, approver, reason string) (*RemediationPlan, error) {
	now := time.Now()
	fields := map[string]interface{}{
		"state":        PlanStateRejected,
		"state_reason": reason,
		"approved_by":  approver,
		"updated_at":   now,
		"completed_at": now,
	}
	return r.applyStateUpdate(ctx, id, PlanStatePendingApproval, PlanStateRejected, fields)
}

// SetExecutionResult stores the executor payload on a plan.
func (r *PlanRepo) SetExecutionResult(ctx context.Context, id string, result string) error {
	err := r.db.WithContext(ctx).Model(&RemediationPlan{}).
		Where("id = ?", id).
		Update("execution_result", result).Error
	if err != nil {
		r.logger.Errorf("failed to store execution result for plan %s: %v", id, err)
		return fmt.Errorf("failed to store execution result: %w", err)
	}
	return nil
}

func (r *PlanRepo) applyStateUpdate(ctx context.Context, id string, from, to PlanState, fields map[string]interface{}) (*RemediationPlan, error) {
	res := r.db.WithContext(ctx).Model(&RemediationPlan{}).
		Where("id = ? AND state = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		dbErr := pkgerrors.ClassifyDBError(res.Error)
		r.logger.Errorw("failed to update plan state",
			"plan_id", id,
			"from", from,
			"to", to,
			"error", dbErr.Error())
		return nil, dbErr
	}

	if res.RowsAffected == 0 {
		plan, err := r.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		r.logger.Warnw("stale plan state transition",
			"plan_id", id,
			"expected", from,
			"actual", plan.State,
			"to", to)
		return nil, &StaleStateError{PlanID: id, Expected: from, Actual: plan.State}
	}

	plan, err := r.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Infow("plan state changed",
		"plan_id", id,
		"target", plan.Target,
		"from", from,
		"to", to)
	return plan, nil
}

// ListByTarget returns plans for a target, newest first.
func (r *PlanRepo) ListByTarget(ctx context.Context, target string, limit int) ([]*RemediationPlan, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var plans []*RemediationPlan
	err := r.db.WithContext(ctx).
		Where("target = ?", target).
		Order("created_at DESC").
		Limit(limit).
		Find(&plans).Error
	if err != nil {
		r.logger.Errorf("failed to list plans for target %s: %v", target, err)
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// ListStuckExecuting returns plans that have been executing longer than
// the given age. Used by the reaper cron.
func (r *PlanRepo) ListStuckExecuting(ctx context.Context, olderThan time.Duration) ([]*RemediationPlan, error) {
	cutoff := time.Now().Add(-olderThan)
	var plans []*RemediationPlan
	err := r.db.WithContext(ctx).
		Where("state = ? AND executing_since IS NOT NULL AND executing_since < ?", PlanStateExecuting, cutoff).
		Find(&plans).Error
	if err != nil {
		r.logger.Errorf("failed to list stuck plans: %v", err)
		return nil, fmt.Errorf("failed to list stuck plans: %w", err)
	}
	return plans, nil
}
