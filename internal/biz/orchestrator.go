package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"OpsMender/internal/data"
	"OpsMender/internal/model"
	"OpsMender/pkg/breaker"
	zaplog "OpsMender/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// executeBudget bounds one background plan execution including retries.
const executeBudget = 10 * time.Minute

// SignalOutcome is the result of handling a detection signal.
type SignalOutcome struct {
	Plan      *data.RemediationPlan
	Diagnosis *model.DiagnosisResult
	Degraded  bool
}

// StatusReport summarizes the orchestrator for the status surface.
type StatusReport struct {
	Breakers       map[string][]breaker.Snapshot
	Queue          *data.QueueStats
	RecentFailures []*data.NotificationMessage
}

// Orchestrator drives a signal from diagnosis through plan drafting to
// approval-gated execution. Backend outages degrade the flow to templated
// responses instead of failing it; only plan persistence is load-bearing.
type Orchestrator struct {
	gateway    *Gateway
	plans      *PlanUsecase
	dispatcher *Dispatcher
	logger     *log.Helper
}

// NewOrchestrator creates the remediation orchestrator.
func NewOrchestrator(gateway *Gateway, plans *PlanUsecase, dispatcher *Dispatcher, logger log.Logger) *Orchestrator {
	return &Orchestrator{
		gateway:    gateway,
		plans:      plans,
		dispatcher: dispatcher,
		logger:     log.NewHelper(logger),
	}
}

// HandleSignal diagnoses a detection signal, drafts a remediation plan
// and parks it pending approval. Returns DUPLICATE_ACTIVE_PLAN when the
// target already has an active plan.
func (o *Orchestrator) HandleSignal(ctx context.Context, signal *model.Signal) (*SignalOutcome, error) {
	if signal.Target == "" {
		return nil, errors.BadRequest("INVALID_SIGNAL", "signal target is required")
	}
	if signal.Severity == "" {
		signal.Severity = model.SeverityWarning
	}
	if !model.ValidSeverity(signal.Severity) {
		return nil, errors.BadRequest("INVALID_SIGNAL",
			fmt.Sprintf("unknown severity %q", signal.Severity))
	}

	requestID := zaplog.RequestIDFromContext(ctx)

	diagnosis := o.diagnose(ctx, signal)
	draft := o.draftPlan(ctx, signal, diagnosis)

	plan := &data.RemediationPlan{
		Target:          signal.Target,
		Title:           draft.Title,
		Description:     draft.Description,
		PlaybookPayload: draft.PlaybookPayload,
		Severity:        string(signal.Severity),
		Degraded:        diagnosis.Degraded || draft.Degraded,
		RequestID:       requestID,
	}
	if err := o.plans.Create(ctx, plan); err != nil {
		return nil, err
	}
	plan, err := o.plans.Submit(ctx, plan.ID)
	if err != nil {
		return nil, err
	}

	o.notify(ctx, plan, "remediation plan awaiting approval",
		fmt.Sprintf("Plan %s for target %s: %s\nDiagnosis: %s",
			plan.ID, plan.Target, plan.Title, diagnosis.Summary))

	o.logger.Infow("signal handled",
		"request_id", requestID,
		"target", signal.Target,
		"severity", signal.Severity,
		"plan_id", plan.ID,
		"degraded", plan.Degraded)

	return &SignalOutcome{
		Plan:      plan,
		Diagnosis: diagnosis,
		Degraded:  plan.Degraded,
	}, nil
}

// diagnose asks the diagnosis chain about the signal. Outages yield a
// templated degraded diagnosis rather than an error.
func (o *Orchestrator) diagnose(ctx context.Context, signal *model.Signal) *model.DiagnosisResult {
	raw, err := o.gateway.Call(ctx, model.OpDiagnosis, map[string]interface{}{
		"target":   signal.Target,
		"hint":     signal.DiagnosisHint,
		"severity": string(signal.Severity),
	})
	if err != nil {
		if IsCallerSideError(err) {
			o.logger.Warnw("diagnosis rejected the signal",
				"target", signal.Target, "error", err)
		}
		return degradedDiagnosis(signal)
	}

	var diagnosis model.DiagnosisResult
	if err := json.Unmarshal(raw, &diagnosis); err != nil {
		o.logger.Warnw("unparseable diagnosis response",
			"target", signal.Target, "error", err)
		return degradedDiagnosis(signal)
	}
	if diagnosis.Severity == "" {
		diagnosis.Severity = signal.Severity
	}
	return &diagnosis
}

func degradedDiagnosis(signal *model.Signal) *model.DiagnosisResult {
	summary := fmt.Sprintf("Automated diagnosis unavailable for %s; manual investigation required.", signal.Target)
	if signal.DiagnosisHint != "" {
		summary += " Detector hint: " + signal.DiagnosisHint
	}
	return &model.DiagnosisResult{
		Summary:  summary,
		Severity: signal.Severity,
		Degraded: true,
	}
}

// draftPlan asks the plan chain for a playbook. Outages yield a manual
// review template.
func (o *Orchestrator) draftPlan(ctx context.Context, signal *model.Signal, diagnosis *model.DiagnosisResult) *model.PlanDraft {
	raw, err := o.gateway.Call(ctx, model.OpPlanDraft, map[string]interface{}{
		"target":     signal.Target,
		"summary":    diagnosis.Summary,
		"root_cause": diagnosis.RootCause,
		"severity":   string(diagnosis.Severity),
	})
	if err != nil {
		return degradedDraft(signal)
	}

	var draft model.PlanDraft
	if err := json.Unmarshal(raw, &draft); err != nil {
		o.logger.Warnw("unparseable plan response",
			"target", signal.Target, "error", err)
		return degradedDraft(signal)
	}
	if draft.Title == "" {
		draft.Title = fmt.Sprintf("Remediate %s", signal.Target)
	}
	if draft.PlaybookPayload == "" {
		return degradedDraft(signal)
	}
	return &draft
}

func degradedDraft(signal *model.Signal) *model.PlanDraft {
	payload, _ := json.Marshal(map[string]interface{}{
		"action": "manual_review",
		"target": signal.Target,
	})
	return &model.PlanDraft{
		Title:           fmt.Sprintf("Manual review required for %s", signal.Target),
		Description:     "Remediation backends were unavailable; an operator must investigate and act manually.",
		PlaybookPayload: string(payload),
		Degraded:        true,
	}
}

// Approve approves a pending plan and starts its execution in the
// background. The caller gets the approved plan back immediately.
func (o *Orchestrator) Approve(ctx context.Context, planID, approver string) (*data.RemediationPlan, error) {
	plan, err := o.plans.Approve(ctx, planID, approver)
	if err != nil {
		return nil, err
	}

	// Notices cover submission, decisions and outcomes. The approved and
	// executing hops are internal progress toward the outcome notice and
	// are audited, not announced.
	requestID := zaplog.RequestIDFromContext(ctx)
	go o.executePlan(requestID, plan)

	return plan, nil
}

// Reject rejects a pending plan.
func (o *Orchestrator) Reject(ctx context.Context, planID, approver, reason string) (*data.RemediationPlan, error) {
	plan, err := o.plans.Reject(ctx, planID, approver, reason)
	if err != nil {
		return nil, err
	}
	o.notify(ctx, plan, "remediation plan rejected",
		fmt.Sprintf("Plan %s for target %s was rejected by %s: %s",
			plan.ID, plan.Target, approver, plan.StateReason))
	return plan, nil
}

// Override force-fails a stranded plan on operator request. Covers any
// non-terminal state: a crash can leave a plan in draft, approved or
// executing, and each of them blocks new plans for the target until
// resolved.
func (o *Orchestrator) Override(ctx context.Context, planID, operator, reason string) (*data.RemediationPlan, error) {
	if reason == "" {
		reason = "operator override"
	}
	plan, err := o.plans.ForceFail(ctx, planID, operator,
		fmt.Sprintf("overridden by %s: %s", operator, reason))
	if err != nil {
		return nil, err
	}
	o.notify(ctx, plan, "remediation plan overridden",
		fmt.Sprintf("Plan %s for target %s was force-failed by %s: %s",
			plan.ID, plan.Target, operator, reason))
	return plan, nil
}

// executePlan runs an approved plan through the execute chain and books
// the outcome. Runs detached from the approval request.
func (o *Orchestrator) executePlan(requestID string, plan *data.RemediationPlan) {
	ctx, cancel := context.WithTimeout(context.Background(), executeBudget)
	defer cancel()
	ctx = zaplog.WithRequestContext(ctx, requestID)

	if _, err := o.plans.MarkExecuting(ctx, plan.ID); err != nil {
		o.logger.Errorw("plan not moved to executing",
			"plan_id", plan.ID, "error", err)
		return
	}

	// The playbook payload is opaque to the orchestrator; it travels
	// under its own key, never parsed or merged.
	payload := json.RawMessage(plan.PlaybookPayload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	raw, err := o.gateway.Call(ctx, model.OpExecute, map[string]interface{}{
		"payload": payload,
		"target":  plan.Target,
		"plan_id": plan.ID,
	})
	if err != nil {
		o.failPlan(ctx, plan, err.Error())
		return
	}

	var result model.ExecutionResult
	if err := json.Unmarshal(raw, &result); err == nil && !result.Success {
		o.failPlan(ctx, plan, result.Details)
		return
	}

	done, err := o.plans.Complete(ctx, plan.ID, string(raw))
	if err != nil {
		o.logger.Errorw("executed plan not completed",
			"plan_id", plan.ID, "error", err)
		return
	}
	o.notify(ctx, done, "remediation completed",
		fmt.Sprintf("Plan %s for target %s completed successfully.", done.ID, done.Target))
}

func (o *Orchestrator) failPlan(ctx context.Context, plan *data.RemediationPlan, reason string) {
	failed, err := o.plans.Fail(ctx, plan.ID, reason)
	if err != nil {
		o.logger.Errorw("plan not moved to failed",
			"plan_id", plan.ID, "error", err)
		return
	}
	// Execution failures escalate to critical so every channel hears
	// about them.
	notice := &Notice{
		PlanID:   failed.ID,
		Severity: string(model.SeverityCritical),
		Subject:  "remediation failed",
		Body: fmt.Sprintf("Plan %s for target %s failed: %s",
			failed.ID, failed.Target, reason),
	}
	if err := o.dispatcher.Enqueue(ctx, notice); err != nil {
		o.logger.Errorw("failure notice not enqueued",
			"plan_id", failed.ID, "error", err)
	}
}

// notify enqueues a plan notice at the plan's severity.
func (o *Orchestrator) notify(ctx context.Context, plan *data.RemediationPlan, subject, body string) {
	notice := &Notice{
		PlanID:   plan.ID,
		Severity: plan.Severity,
		Subject:  subject,
		Body:     body,
	}
	if err := o.dispatcher.Enqueue(ctx, notice); err != nil {
		o.logger.Errorw("notice not enqueued",
			"plan_id", plan.ID, "error", err)
	}
}

// GetPlan returns a plan by ID.
func (o *Orchestrator) GetPlan(ctx context.Context, planID string) (*data.RemediationPlan, error) {
	return o.plans.Get(ctx, planID)
}

// ListPlans returns recent plans for a target.
func (o *Orchestrator) ListPlans(ctx context.Context, target string, limit int) ([]*data.RemediationPlan, error) {
	return o.plans.ListByTarget(ctx, target, limit)
}

// Interpret turns a free-form operator command into a structured intent.
// Outages degrade to a keyword guess flagged as such.
func (o *Orchestrator) Interpret(ctx context.Context, text string) (*model.CommandInterpretation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.BadRequest("INVALID_COMMAND", "command text is required")
	}

	raw, err := o.gateway.Call(ctx, model.OpInterpret, map[string]interface{}{
		"text": text,
	})
	if err != nil {
		if IsCallerSideError(err) {
			return nil, err
		}
		return degradedInterpretation(text), nil
	}

	var interp model.CommandInterpretation
	if err := json.Unmarshal(raw, &interp); err != nil {
		return degradedInterpretation(text), nil
	}
	return &interp, nil
}

// degradedInterpretation falls back to keyword matching when the
// interpret chain is down.
func degradedInterpretation(text string) *model.CommandInterpretation {
	lower := strings.ToLower(text)
	intent := "unknown"
	switch {
	case strings.Contains(lower, "status"):
		intent = "status"
	case strings.Contains(lower, "approve"):
		intent = "approve"
	case strings.Contains(lower, "reject"):
		intent = "reject"
	case strings.Contains(lower, "restart"):
		intent = "restart"
	}
	return &model.CommandInterpretation{
		Intent:     intent,
		Params:     map[string]string{"text": text},
		Confidence: 0.2,
		Degraded:   true,
	}
}

// Status reports breaker states and the delivery queue.
func (o *Orchestrator) Status(ctx context.Context) (*StatusReport, error) {
	queue, err := o.dispatcher.Stats(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := o.dispatcher.RecentFailures(ctx, 10)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Breakers:       o.gateway.Snapshots(),
		Queue:          queue,
		RecentFailures: failures,
	}, nil
}
