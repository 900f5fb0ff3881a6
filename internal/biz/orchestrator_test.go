package biz

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"OpsMender/internal/data"
	"OpsMender/internal/model"
	"OpsMender/pkg/breaker"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(g *Gateway, planRepo PlanRepo, msgRepo MessageRepo) *Orchestrator {
	logger := log.NewStdLogger(os.Stdout)
	plans := NewPlanUsecase(planRepo, relaxedAudit(), logger)
	dispatcher := NewDispatcher(msgRepo, g, testRoster, relaxedAudit(), DispatcherConfig{}, logger)
	return NewOrchestrator(g, plans, dispatcher, logger)
}

// planRepoForSignal wires a MockPlanRepo for the create+submit flow.
func planRepoForSignal(t *testing.T, target string) *MockPlanRepo {
	t.Helper()
	mockRepo := new(MockPlanRepo)
	mockRepo.On("CreateExclusive", mock.Anything, mock.MatchedBy(func(p *data.RemediationPlan) bool {
		return p.Target == target
	})).Run(func(args mock.Arguments) {
		plan := args.Get(1).(*data.RemediationPlan)
		plan.ID = "plan-1"
		plan.State = data.PlanStateDraft
	}).Return(nil)
	return mockRepo
}

func TestHandleSignal_HappyPath(t *testing.T) {
	diag := &countingInvoker{results: []func() (json.RawMessage, error){
		ok(`{"summary":"disk pressure on node-7","root_cause":"log rotation stuck","severity":"warning"}`),
	}}
	planner := &countingInvoker{results: []func() (json.RawMessage, error){
		ok(`{"title":"Rotate stale logs","description":"Force logrotate run","playbook_payload":"{\"action\":\"logrotate\"}"}`),
	}}
	g := newTestGateway(nil, nil, []*EndpointSpec{
		testSpec(model.OpDiagnosis, "diag-primary", 1, diag),
		testSpec(model.OpPlanDraft, "planner-primary", 1, planner),
	})

	mockRepo := planRepoForSignal(t, "node-7")
	pending := &data.RemediationPlan{
		ID: "plan-1", Target: "node-7", Title: "Rotate stale logs",
		Severity: "warning", State: data.PlanStatePendingApproval,
	}
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateDraft, data.PlanStatePendingApproval, "awaiting approval").
		Return(pending, nil)

	msgRepo := new(MockMessageRepo)
	msgRepo.On("CreateMessages", mock.Anything, mock.Anything).Return(nil)

	o := newTestOrchestrator(g, mockRepo, msgRepo)

	outcome, err := o.HandleSignal(context.Background(), &model.Signal{
		Target:   "node-7",
		Severity: model.SeverityWarning,
	})

	require.NoError(t, err)
	assert.Equal(t, "plan-1", outcome.Plan.ID)
	assert.Equal(t, data.PlanStatePendingApproval, outcome.Plan.State)
	assert.False(t, outcome.Degraded)
	assert.Equal(t, "disk pressure on node-7", outcome.Diagnosis.Summary)
	mockRepo.AssertExpectations(t)
	msgRepo.AssertExpectations(t)
}

func TestHandleSignal_DegradedWhenBackendsDown(t *testing.T) {
	down := &countingInvoker{results: []func() (json.RawMessage, error){
		fail(NewDependencyUnavailable("diag-primary", errors.New("down"))),
	}}
	g := newTestGateway(noRetry(), nil, []*EndpointSpec{
		testSpec(model.OpDiagnosis, "diag-primary", 1, down),
	})

	mockRepo := planRepoForSignal(t, "payments-api")
	pending := &data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", Severity: "critical",
		State: data.PlanStatePendingApproval, Degraded: true,
	}
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateDraft, data.PlanStatePendingApproval, "awaiting approval").
		Return(pending, nil)

	msgRepo := new(MockMessageRepo)
	msgRepo.On("CreateMessages", mock.Anything, mock.Anything).Return(nil)

	o := newTestOrchestrator(g, mockRepo, msgRepo)

	outcome, err := o.HandleSignal(context.Background(), &model.Signal{
		Target:        "payments-api",
		DiagnosisHint: "5xx spike",
		Severity:      model.SeverityCritical,
	})

	// Dependency outage degrades the flow; the plan is still persisted.
	require.NoError(t, err)
	assert.True(t, outcome.Degraded)
	assert.True(t, outcome.Diagnosis.Degraded)
	assert.Contains(t, outcome.Diagnosis.Summary, "manual investigation required")
	assert.Contains(t, outcome.Diagnosis.Summary, "5xx spike")
	mockRepo.AssertExpectations(t)
}

func TestHandleSignal_DuplicateActivePlan(t *testing.T) {
	g := newTestGateway(noRetry(), nil, nil)

	mockRepo := new(MockPlanRepo)
	mockRepo.On("CreateExclusive", mock.Anything, mock.Anything).
		Return(&data.DuplicateActivePlanError{Target: "payments-api", ExistingID: "winner-id"})

	o := newTestOrchestrator(g, mockRepo, new(MockMessageRepo))

	outcome, err := o.HandleSignal(context.Background(), &model.Signal{
		Target:   "payments-api",
		Severity: model.SeverityWarning,
	})

	assert.Nil(t, outcome)
	require.Error(t, err)
	assert.True(t, IsDuplicateActivePlan(err))
	assert.Equal(t, "winner-id", ExistingPlanID(err))
}

func TestHandleSignal_Validation(t *testing.T) {
	o := newTestOrchestrator(newTestGateway(nil, nil, nil), new(MockPlanRepo), new(MockMessageRepo))

	t.Run("missing target", func(t *testing.T) {
		_, err := o.HandleSignal(context.Background(), &model.Signal{})
		assert.Error(t, err)
	})

	t.Run("unknown severity", func(t *testing.T) {
		_, err := o.HandleSignal(context.Background(), &model.Signal{
			Target:   "x",
			Severity: "catastrophic",
		})
		assert.Error(t, err)
	})
}

func TestApprove_ExecutesPlanInBackground(t *testing.T) {
	executor := &countingInvoker{results: []func() (json.RawMessage, error){
		ok(`{"success":true,"details":"service restarted"}`),
	}}
	g := newTestGateway(nil, nil, []*EndpointSpec{
		testSpec(model.OpExecute, "executor-primary", 1, executor),
	})

	approved := &data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", Severity: "warning",
		State: data.PlanStateApproved, PlaybookPayload: `{"action":"restart"}`,
	}
	executing := &data.RemediationPlan{ID: "plan-1", Target: "payments-api",
		Severity: "warning", State: data.PlanStateExecuting}
	completed := &data.RemediationPlan{ID: "plan-1", Target: "payments-api",
		Severity: "warning", State: data.PlanStateCompleted}

	done := make(chan struct{})

	mockRepo := new(MockPlanRepo)
	mockRepo.On("Approve", mock.Anything, "plan-1", "alice@ops").Return(approved, nil)
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateApproved, data.PlanStateExecuting, "execution started").
		Return(executing, nil)
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateExecuting, data.PlanStateCompleted, "execution succeeded").
		Return(completed, nil)
	mockRepo.On("SetExecutionResult", mock.Anything, "plan-1", mock.Anything).
		Run(func(mock.Arguments) { close(done) }).Return(nil)

	msgRepo := new(MockMessageRepo)
	msgRepo.On("CreateMessages", mock.Anything, mock.Anything).Return(nil).Maybe()

	o := newTestOrchestrator(g, mockRepo, msgRepo)

	plan, err := o.Approve(context.Background(), "plan-1", "alice@ops")

	require.NoError(t, err)
	assert.Equal(t, data.PlanStateApproved, plan.State)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background execution did not complete")
	}
	assert.Equal(t, 1, executor.calls)
}

// The playbook payload is opaque: a non-object value must reach the
// executor untouched under the payload key, not be parsed or merged.
func TestApprove_OpaquePayloadPassedThrough(t *testing.T) {
	var mu sync.Mutex
	var got map[string]interface{}
	g := newTestGateway(nil, nil, []*EndpointSpec{{
		Kind:     model.OpExecute,
		Name:     "executor-primary",
		Priority: 1,
		Breaker:  breaker.DefaultConfig(),
		Invoke: func(ctx context.Context, input map[string]interface{}) (json.RawMessage, error) {
			mu.Lock()
			got = input
			mu.Unlock()
			return json.RawMessage(`{"success":true}`), nil
		},
	}})

	approved := &data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", Severity: "warning",
		State: data.PlanStateApproved, PlaybookPayload: `"restart payments-api"`,
	}
	executing := &data.RemediationPlan{ID: "plan-1", Target: "payments-api",
		Severity: "warning", State: data.PlanStateExecuting}
	completed := &data.RemediationPlan{ID: "plan-1", Target: "payments-api",
		Severity: "warning", State: data.PlanStateCompleted}

	done := make(chan struct{})

	mockRepo := new(MockPlanRepo)
	mockRepo.On("Approve", mock.Anything, "plan-1", "alice@ops").Return(approved, nil)
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateApproved, data.PlanStateExecuting, "execution started").
		Return(executing, nil)
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateExecuting, data.PlanStateCompleted, "execution succeeded").
		Return(completed, nil)
	mockRepo.On("SetExecutionResult", mock.Anything, "plan-1", mock.Anything).
		Run(func(mock.Arguments) { close(done) }).Return(nil)

	msgRepo := new(MockMessageRepo)
	msgRepo.On("CreateMessages", mock.Anything, mock.Anything).Return(nil).Maybe()

	o := newTestOrchestrator(g, mockRepo, msgRepo)

	_, err := o.Approve(context.Background(), "plan-1", "alice@ops")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background execution did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, json.RawMessage(`"restart payments-api"`), got["payload"])
	assert.Equal(t, "payments-api", got["target"])
	assert.Equal(t, "plan-1", got["plan_id"])
}

func TestApprove_ExecutionFailureEscalatesToCritical(t *testing.T) {
	executor := &countingInvoker{results: []func() (json.RawMessage, error){
		fail(NewDependencyUnavailable("executor-primary", errors.New("agent offline"))),
	}}
	g := newTestGateway(noRetry(), nil, []*EndpointSpec{
		testSpec(model.OpExecute, "executor-primary", 1, executor),
	})

	approved := &data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", Severity: "info",
		State: data.PlanStateApproved, PlaybookPayload: `{"action":"restart"}`,
	}
	executing := &data.RemediationPlan{ID: "plan-1", Target: "payments-api",
		Severity: "info", State: data.PlanStateExecuting}
	failedPlan := &data.RemediationPlan{ID: "plan-1", Target: "payments-api",
		Severity: "info", State: data.PlanStateFailed}

	mockRepo := new(MockPlanRepo)
	mockRepo.On("Approve", mock.Anything, "plan-1", "alice@ops").Return(approved, nil)
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateApproved, data.PlanStateExecuting, "execution started").
		Return(executing, nil)
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateExecuting, data.PlanStateFailed, mock.Anything).
		Return(failedPlan, nil)

	enqueued := make(chan []*data.NotificationMessage, 1)
	msgRepo := new(MockMessageRepo)
	msgRepo.On("CreateMessages", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			enqueued <- args.Get(1).([]*data.NotificationMessage)
		}).Return(nil)

	o := newTestOrchestrator(g, mockRepo, msgRepo)

	_, err := o.Approve(context.Background(), "plan-1", "alice@ops")
	require.NoError(t, err)

	select {
	case msgs := <-enqueued:
		// Failure notices escalate to critical: one message per channel.
		require.Len(t, msgs, len(testRoster))
		assert.Equal(t, "critical", msgs[0].Severity)
		assert.Contains(t, msgs[0].Body, "failed")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a failure notice")
	}
}

func TestReject_Notifies(t *testing.T) {
	g := newTestGateway(nil, nil, nil)

	rejected := &data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", Severity: "warning",
		State: data.PlanStateRejected, StateReason: "too risky during peak",
	}
	mockRepo := new(MockPlanRepo)
	mockRepo.On("Reject", mock.Anything, "plan-1", "alice@ops", "too risky during peak").
		Return(rejected, nil)

	msgRepo := new(MockMessageRepo)
	msgRepo.On("CreateMessages", mock.Anything, mock.MatchedBy(func(msgs []*data.NotificationMessage) bool {
		return len(msgs) == 2 && msgs[0].Severity == "warning"
	})).Return(nil)

	o := newTestOrchestrator(g, mockRepo, msgRepo)

	plan, err := o.Reject(context.Background(), "plan-1", "alice@ops", "too risky during peak")

	require.NoError(t, err)
	assert.Equal(t, data.PlanStateRejected, plan.State)
	mockRepo.AssertExpectations(t)
	msgRepo.AssertExpectations(t)
}

func TestOverride_ForceFailsAndNotifies(t *testing.T) {
	g := newTestGateway(nil, nil, nil)

	failed := &data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", Severity: "warning",
		State: data.PlanStateFailed, StateReason: "overridden by alice@ops: executor lost",
	}
	mockRepo := new(MockPlanRepo)
	mockRepo.On("GetPlan", mock.Anything, "plan-1").Return(&data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", Severity: "warning",
		State: data.PlanStateExecuting,
	}, nil)
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateExecuting, data.PlanStateFailed, "overridden by alice@ops: executor lost").
		Return(failed, nil)

	msgRepo := new(MockMessageRepo)
	msgRepo.On("CreateMessages", mock.Anything, mock.MatchedBy(func(msgs []*data.NotificationMessage) bool {
		return len(msgs) == 2 && msgs[0].Subject == "remediation plan overridden"
	})).Return(nil)

	o := newTestOrchestrator(g, mockRepo, msgRepo)

	plan, err := o.Override(context.Background(), "plan-1", "alice@ops", "executor lost")

	require.NoError(t, err)
	assert.Equal(t, data.PlanStateFailed, plan.State)
	mockRepo.AssertExpectations(t)
	msgRepo.AssertExpectations(t)
}

// A crash between the approve commit and the executing transition leaves
// the plan in approved, where it still blocks new plans for its target.
// The override must unblock it.
func TestOverride_UnblocksStrandedApprovedPlan(t *testing.T) {
	g := newTestGateway(nil, nil, nil)

	mockRepo := new(MockPlanRepo)
	mockRepo.On("GetPlan", mock.Anything, "plan-1").Return(&data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", Severity: "warning",
		State: data.PlanStateApproved,
	}, nil)
	mockRepo.On("UpdateState", mock.Anything, "plan-1",
		data.PlanStateApproved, data.PlanStateFailed, mock.Anything).
		Return(&data.RemediationPlan{
			ID: "plan-1", Target: "payments-api", Severity: "warning",
			State: data.PlanStateFailed,
		}, nil)

	msgRepo := new(MockMessageRepo)
	msgRepo.On("CreateMessages", mock.Anything, mock.Anything).Return(nil)

	o := newTestOrchestrator(g, mockRepo, msgRepo)

	plan, err := o.Override(context.Background(), "plan-1", "alice@ops", "")

	require.NoError(t, err)
	assert.Equal(t, data.PlanStateFailed, plan.State)
	mockRepo.AssertExpectations(t)
}

func TestOverride_TerminalPlanRejected(t *testing.T) {
	g := newTestGateway(nil, nil, nil)

	mockRepo := new(MockPlanRepo)
	mockRepo.On("GetPlan", mock.Anything, "plan-1").Return(&data.RemediationPlan{
		ID: "plan-1", Target: "payments-api", State: data.PlanStateCompleted,
	}, nil)

	o := newTestOrchestrator(g, mockRepo, new(MockMessageRepo))

	_, err := o.Override(context.Background(), "plan-1", "alice@ops", "")

	require.Error(t, err)
	assert.True(t, IsInvalidPlanState(err))
	mockRepo.AssertNotCalled(t, "UpdateState",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInterpret(t *testing.T) {
	t.Run("backend interpretation", func(t *testing.T) {
		inv := &countingInvoker{results: []func() (json.RawMessage, error){
			ok(`{"intent":"approve","params":{"plan_id":"plan-1"},"confidence":0.93}`),
		}}
		g := newTestGateway(nil, nil, []*EndpointSpec{
			testSpec(model.OpInterpret, "interpreter-primary", 1, inv),
		})
		o := newTestOrchestrator(g, new(MockPlanRepo), new(MockMessageRepo))

		interp, err := o.Interpret(context.Background(), "approve plan-1")

		require.NoError(t, err)
		assert.Equal(t, "approve", interp.Intent)
		assert.False(t, interp.Degraded)
	})

	t.Run("degraded keyword fallback", func(t *testing.T) {
		g := newTestGateway(noRetry(), nil, nil)
		o := newTestOrchestrator(g, new(MockPlanRepo), new(MockMessageRepo))

		interp, err := o.Interpret(context.Background(), "please restart payments-api")

		require.NoError(t, err)
		assert.True(t, interp.Degraded)
		assert.Equal(t, "restart", interp.Intent)
		assert.Less(t, interp.Confidence, 0.5)
	})

	t.Run("empty command", func(t *testing.T) {
		o := newTestOrchestrator(newTestGateway(nil, nil, nil), new(MockPlanRepo), new(MockMessageRepo))

		_, err := o.Interpret(context.Background(), "   ")

		assert.Error(t, err)
	})
}

func TestStatus(t *testing.T) {
	g := newTestGateway(nil, nil, []*EndpointSpec{
		testSpec(model.OpDiagnosis, "diag-primary", 1,
			&countingInvoker{results: []func() (json.RawMessage, error){ok(`{}`)}}),
	})

	msgRepo := new(MockMessageRepo)
	msgRepo.On("QueueStats", mock.Anything).
		Return(&data.QueueStats{Pending: 2, Sent: 40, FailedPermanent: 1}, nil)
	msgRepo.On("ListFailedPermanent", mock.Anything, 10).
		Return([]*data.NotificationMessage{{ID: "msg-1", Status: data.MessageStatusFailedPermanent}}, nil)

	o := newTestOrchestrator(g, new(MockPlanRepo), msgRepo)

	report, err := o.Status(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Queue.Pending)
	require.Len(t, report.RecentFailures, 1)
	require.Contains(t, report.Breakers, "diagnosis")
	msgRepo.AssertExpectations(t)
}
