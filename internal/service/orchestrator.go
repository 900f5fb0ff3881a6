package service

import (
	"context"
	"time"

	"OpsMender/internal/biz"
	"OpsMender/internal/data"
	"OpsMender/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// HandleSignalRequest is the payload of POST /v1/signals.
type HandleSignalRequest struct {
	Target        string `json:"target"`
	DiagnosisHint string `json:"diagnosis_hint"`
	Severity      string `json:"severity"`
}

// PlanReply is the wire shape of a remediation plan.
type PlanReply struct {
	ID              string     `json:"id"`
	Target          string     `json:"target"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	PlaybookPayload string     `json:"playbook_payload,omitempty"`
	Severity        string     `json:"severity"`
	State           string     `json:"state"`
	StateReason     string     `json:"state_reason,omitempty"`
	Degraded        bool       `json:"degraded,omitempty"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ExecutionResult string     `json:"execution_result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HandleSignalReply is the response of POST /v1/signals.
type HandleSignalReply struct {
	Plan      *PlanReply             `json:"plan"`
	Diagnosis *model.DiagnosisResult `json:"diagnosis"`
	Degraded  bool                   `json:"degraded,omitempty"`
}

// ApproveRequest is the payload of POST /v1/plans/{id}/approve.
type ApproveRequest struct {
	Approver string `json:"approver"`
}

// RejectRequest is the payload of POST /v1/plans/{id}/reject.
type RejectRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

// OverrideRequest is the payload of POST /v1/plans/{id}/override.
type OverrideRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

// InterpretRequest is the payload of POST /v1/commands/interpret.
type InterpretRequest struct {
	Text string `json:"text"`
}

// BreakerReply is the wire shape of one breaker snapshot.
type BreakerReply struct {
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// FailedMessageReply is the wire shape of an exhausted notification.
type FailedMessageReply struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"plan_id,omitempty"`
	Channel   string    `json:"channel"`
	Attempts  int32     `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusReply is the response of GET /v1/status.
type StatusReply struct {
	Breakers       map[string][]BreakerReply `json:"breakers"`
	Queue          *data.QueueStats          `json:"queue"`
	RecentFailures []FailedMessageReply      `json:"recent_failures"`
}

// ListPlansReply is the response of GET /v1/plans.
type ListPlansReply struct {
	Plans []*PlanReply `json:"plans"`
}

// OrchestratorService is the transport-facing surface of the orchestrator.
type OrchestratorService struct {
	uc     *biz.Orchestrator
	logger *log.Helper
}

// NewOrchestratorService creates a new OrchestratorService instance.
func NewOrchestratorService(uc *biz.Orchestrator, logger log.Logger) *OrchestratorService {
	return &OrchestratorService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

// HandleSignal ingests a detection signal.
func (s *OrchestratorService) HandleSignal(ctx context.Context, req *HandleSignalRequest) (*HandleSignalReply, error) {
	s.logger.Infow("HandleSignal called", "target", req.Target, "severity", req.Severity)

	outcome, err := s.uc.HandleSignal(ctx, &model.Signal{
		Target:        req.Target,
		DiagnosisHint: req.DiagnosisHint,
		Severity:      model.Severity(req.Severity),
	})
	if err != nil {
		s.logger.Errorw("failed to handle signal", "target", req.Target, "error", err)
		return nil, mapBizError(err)
	}

	return &HandleSignalReply{
		Plan:      planToReply(outcome.Plan),
		Diagnosis: outcome.Diagnosis,
		Degraded:  outcome.Degraded,
	}, nil
}

// ApprovePlan approves a pending plan and starts execution.
func (s *OrchestratorService) ApprovePlan(ctx context.Context, planID string, req *ApproveRequest) (*PlanReply, error) {
	s.logger.Infow("ApprovePlan called", "plan_id", planID, "approver", req.Approver)

	if req.Approver == "" {
		return nil, errors.BadRequest("INVALID_APPROVER", "approver is required")
	}
	plan, err := s.uc.Approve(ctx, planID, req.Approver)
	if err != nil {
		s.logger.Errorw("failed to approve plan", "plan_id", planID, "error", err)
		return nil, mapBizError(err)
	}
	return planToReply(plan), nil
}

// RejectPlan rejects a pending plan.
func (s *OrchestratorService) RejectPlan(ctx context.Context, planID string, req *RejectRequest) (*PlanReply, error) {
	s.logger.Infow("RejectPlan called", "plan_id", planID, "approver", req.Approver)

	if req.Approver == "" {
		return nil, errors.BadRequest("INVALID_APPROVER", "approver is required")
	}
	plan, err := s.uc.Reject(ctx, planID, req.Approver, req.Reason)
	if err != nil {
		s.logger.Errorw("failed to reject plan", "plan_id", planID, "error", err)
		return nil, mapBizError(err)
	}
	return planToReply(plan), nil
}

// OverridePlan force-fails a stuck executing plan.
func (s *OrchestratorService) OverridePlan(ctx context.Context, planID string, req *OverrideRequest) (*PlanReply, error) {
	s.logger.Warnw("OverridePlan called", "plan_id", planID, "operator", req.Operator)

	if req.Operator == "" {
		return nil, errors.BadRequest("INVALID_OPERATOR", "operator is required")
	}
	plan, err := s.uc.Override(ctx, planID, req.Operator, req.Reason)
	if err != nil {
		s.logger.Errorw("failed to override plan", "plan_id", planID, "error", err)
		return nil, mapBizError(err)
	}
	return planToReply(plan), nil
}

// GetPlan returns a plan by ID.
func (s *OrchestratorService) GetPlan(ctx context.Context, planID string) (*PlanReply, error) {
	s.logger.Debugw("GetPlan called", "plan_id", planID)

	plan, err := s.uc.GetPlan(ctx, planID)
	if err != nil {
		return nil, mapBizError(err)
	}
	return planToReply(plan), nil
}

// ListPlans returns recent plans for a target.
func (s *OrchestratorService) ListPlans(ctx context.Context, target string, limit int) (*ListPlansReply, error) {
	s.logger.Debugw("ListPlans called", "target", target)

	if target == "" {
		return nil, errors.BadRequest("INVALID_TARGET", "target is required")
	}
	plans, err := s.uc.ListPlans(ctx, target, limit)
	if err != nil {
		return nil, mapBizError(err)
	}
	reply := &ListPlansReply{Plans: make([]*PlanReply, 0, len(plans))}
	for _, p := range plans {
		reply.Plans = append(reply.Plans, planToReply(p))
	}
	return reply, nil
}

// Interpret turns a free-form operator command into a structured intent.
func (s *OrchestratorService) Interpret(ctx context.Context, req *InterpretRequest) (*model.CommandInterpretation, error) {
	s.logger.Debugw("Interpret called")

	interp, err := s.uc.Interpret(ctx, req.Text)
	if err != nil {
		return nil, mapBizError(err)
	}
	return interp, nil
}

// Status reports breaker and queue health.
func (s *OrchestratorService) Status(ctx context.Context) (*StatusReply, error) {
	report, err := s.uc.Status(ctx)
	if err != nil {
		return nil, mapBizError(err)
	}

	reply := &StatusReply{
		Breakers:       make(map[string][]BreakerReply, len(report.Breakers)),
		Queue:          report.Queue,
		RecentFailures: make([]FailedMessageReply, 0, len(report.RecentFailures)),
	}
	for kind, snaps := range report.Breakers {
		rs := make([]BreakerReply, 0, len(snaps))
		for _, snap := range snaps {
			rs = append(rs, BreakerReply{
				Name:                 snap.Name,
				State:                string(snap.State),
				ConsecutiveFailures:  snap.ConsecutiveFailures,
				ConsecutiveSuccesses: snap.ConsecutiveSuccesses,
				OpenedAt:             snap.OpenedAt,
			})
		}
		reply.Breakers[kind] = rs
	}
	for _, msg := range report.RecentFailures {
		reply.RecentFailures = append(reply.RecentFailures, failedToReply(msg))
	}
	return reply, nil
}

func planToReply(plan *data.RemediationPlan) *PlanReply {
	reply := &PlanReply{
		ID:              plan.ID,
		Target:          plan.Target,
		Title:           plan.Title,
		Description:     plan.Description,
		PlaybookPayload: plan.PlaybookPayload,
		Severity:        plan.Severity,
		State:           string(plan.State),
		StateReason:     plan.StateReason,
		Degraded:        plan.Degraded,
		ApprovedAt:      plan.ApprovedAt,
		CreatedAt:       plan.CreatedAt,
		UpdatedAt:       plan.UpdatedAt,
	}
	if plan.ApprovedBy != nil {
		reply.ApprovedBy = *plan.ApprovedBy
	}
	if plan.ExecutionResult != nil {
		reply.ExecutionResult = *plan.ExecutionResult
	}
	return reply
}

func failedToReply(msg *data.NotificationMessage) FailedMessageReply {
	reply := FailedMessageReply{
		ID:        msg.ID,
		PlanID:    msg.PlanID,
		Channel:   msg.Channel,
		Attempts:  msg.Attempts,
		UpdatedAt: msg.UpdatedAt,
	}
	if msg.LastError != nil {
		reply.LastError = *msg.LastError
	}
	return reply
}

// mapBizError converts non-kratos biz errors into transportable ones.
// AllDependenciesUnavailableError carries the attempted breaker states
// into the error metadata so operators can see which backends were down.
func mapBizError(err error) error {
	var all *biz.AllDependenciesUnavailableError
	if errors.As(err, &all) {
		md := make(map[string]string, len(all.Attempted))
		for _, snap := range all.Attempted {
			md[snap.Name] = string(snap.State)
		}
		return errors.New(503, biz.ReasonAllDependenciesUnavailable,
			all.Error()).WithMetadata(md)
	}
	return err
}
