package workflow

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/janreges/axon-mcp-sub003/agent/handoff"
	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/task"
	"github.com/janreges/axon-mcp-sub003/types"
)

type engineFixture struct {
	store   *persistence.MemoryStore
	machine *task.Machine
	coord   *handoff.Coordinator
	engine  *Engine
	now     time.Time
}

func newEngineFixture(t require.TestingT) *engineFixture {
	f := &engineFixture{
		store: persistence.NewMemoryStore(),
		now:   time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	}
	f.machine = task.NewMachine(f.store, zap.NewNop(), task.WithClock(func() time.Time { return f.now }))
	f.coord = handoff.NewCoordinator(f.store, f.machine, zap.NewNop())
	f.engine = NewEngine(StoreDefinitions(f.store), f.store, f.machine, f.coord, zap.NewNop())
	return f
}

func intPtr(v int) *int { return &v }

func (f *engineFixture) agent(t require.TestingT, name string, caps ...string) {
	require.NoError(t, f.store.CreateAgent(context.Background(), &types.AgentProfile{
		Name:               name,
		Capabilities:       caps,
		MaxConcurrentTasks: 2,
		Status:             types.AgentStatusIdle,
		LastHeartbeat:      f.now,
		ReputationScore:    types.DefaultReputation,
		Version:            1,
		CreatedAt:          f.now,
		UpdatedAt:          f.now,
	}))
}

func twoStepWorkflow() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:   "feature-delivery",
		Name: "Feature delivery",
		Steps: []types.WorkflowStep{
			{
				ID:                 "implement",
				Name:               "Implement",
				RequiredCapability: "backend",
				ExitConditions:     []string{"unit tests pass"},
				ValidationRules:    []string{"no TODOs left"},
				HandoffTemplate:    "implementation finished",
			},
			{
				ID:                       "review",
				Name:                     "Review",
				RequiredCapability:       "Code Review",
				EstimatedDurationMinutes: intPtr(20),
				ExitConditions:           []string{"two approvals"},
			},
		},
	}
}

// startedTask 注册工作流、创建任务并由 owner 认领第一步。
func (f *engineFixture) startedTask(t require.TestingT, code, owner string) *types.Task {
	ctx := context.Background()
	if _, err := f.engine.Definition(ctx, "feature-delivery"); err != nil {
		_, err := f.engine.RegisterDefinition(ctx, twoStepWorkflow())
		require.NoError(t, err)
	}
	created, err := f.machine.Create(ctx, &types.Task{Code: code, Name: code})
	require.NoError(t, err)
	started, err := f.engine.Start(ctx, created, "feature-delivery")
	require.NoError(t, err)
	claimed, err := f.machine.Claim(ctx, started, owner)
	require.NoError(t, err)
	return claimed
}

func TestEngine_RegisterDefinition(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	def, err := f.engine.RegisterDefinition(ctx, twoStepWorkflow())
	require.NoError(t, err)
	assert.Equal(t, "code_review", def.Steps[1].RequiredCapability)
	assert.Equal(t, f.now, def.CreatedAt)

	_, err = f.engine.RegisterDefinition(ctx, twoStepWorkflow())
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyExists))

	_, err = f.engine.RegisterDefinition(ctx, &types.WorkflowDefinition{ID: "empty"})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	dup := twoStepWorkflow()
	dup.ID = "dup"
	dup.Steps[1].ID = "implement"
	_, err = f.engine.RegisterDefinition(ctx, dup)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = f.engine.Definition(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestEngine_Start(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	claimed := f.startedTask(t, "T-1", "dev-1")
	assert.Equal(t, "feature-delivery", claimed.WorkflowID)
	assert.Equal(t, "implement", claimed.WorkflowCursor)
	assert.Equal(t, []string{"backend"}, claimed.RequiredCapabilities)

	_, err := f.engine.Start(ctx, claimed, "feature-delivery")
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyExists))

	plain, err := f.machine.Create(ctx, &types.Task{Code: "T-2", Name: "plain"})
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, plain, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

// 两步工作流上以 0.5 的置信度推进：ValidationFailed，状态与游标不变。
func TestEngine_AdvanceBelowThreshold(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	before := f.startedTask(t, "T-1", "dev-1")

	res, err := f.engine.Advance(ctx, AdvanceRequest{
		TaskCode:        "T-1",
		AgentName:       "dev-1",
		OutputSummary:   "half done",
		ConfidenceScore: 0.5,
	})
	require.NoError(t, err)
	require.Equal(t, ResultValidationFailed, res.Kind)
	assert.Equal(t, ReasonBelowThreshold, res.ValidationFailed.Reason)
	assert.Equal(t, []string{"unit tests pass", "no TODOs left"}, res.ValidationFailed.RequiredFixes)

	after, err := f.machine.Get(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.WorkflowCursor, after.WorkflowCursor)
	assert.Equal(t, before.Version, after.Version)
}

func TestEngine_AdvanceConfidenceOutOfRange(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.startedTask(t, "T-1", "dev-1")

	for _, score := range []float64{-0.01, 1.5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		res, err := f.engine.Advance(ctx, AdvanceRequest{TaskCode: "T-1", AgentName: "dev-1", ConfidenceScore: score})
		require.NoError(t, err)
		require.Equal(t, ResultValidationFailed, res.Kind)
		assert.Equal(t, ReasonConfidenceOutOfRange, res.ValidationFailed.Reason)
		assert.Empty(t, res.ValidationFailed.RequiredFixes)
	}

	after, err := f.machine.Get(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateInProgress, after.State)
	assert.Equal(t, "implement", after.WorkflowCursor)
}

// 第一步以 0.9 推进：Advanced，任务进入 pending_handoff，交接包指向第二步能力。
func TestEngine_AdvanceToNextStep(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.startedTask(t, "T-1", "dev-1")
	f.now = f.now.Add(45 * time.Minute)

	res, err := f.engine.Advance(ctx, AdvanceRequest{
		TaskCode:        "T-1",
		AgentName:       "dev-1",
		ConfidenceScore: 0.9,
	})
	require.NoError(t, err)
	require.Equal(t, ResultAdvanced, res.Kind)
	adv := res.Advanced
	assert.Equal(t, "review", adv.NextStep.ID)
	assert.Equal(t, adv.NextStep.RequiredCapability, adv.Handoff.ToCapability)
	assert.Equal(t, "implementation finished", adv.Handoff.Summary)
	assert.Equal(t, []string{"two approvals"}, adv.Handoff.NextSteps)
	require.NotNil(t, adv.Handoff.EstimatedEffortMinutes)
	assert.Equal(t, 20, *adv.Handoff.EstimatedEffortMinutes)
	assert.Equal(t, 45, adv.CompletedStep.DurationMinutes)

	stored, err := f.machine.Get(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePendingHandoff, stored.State)
	assert.Equal(t, "review", stored.WorkflowCursor)
	assert.Equal(t, []string{"code_review"}, stored.RequiredCapabilities)

	h, err := f.coord.Get(ctx, adv.Handoff.ID)
	require.NoError(t, err)
	assert.False(t, h.IsAccepted())

	exec, err := f.engine.Execution(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, "review", exec.CurrentStepID)
	require.Len(t, exec.CompletedSteps, 1)
	assert.Equal(t, "implement", exec.CompletedSteps[0].StepID)
}

func TestEngine_AdvanceRejectsWrongCaller(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.startedTask(t, "T-1", "dev-1")

	_, err := f.engine.Advance(ctx, AdvanceRequest{TaskCode: "T-1", AgentName: "dev-2", ConfidenceScore: 0.9})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = f.engine.Advance(ctx, AdvanceRequest{TaskCode: "missing", AgentName: "dev-1", ConfidenceScore: 0.9})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	plain, err := f.machine.Create(ctx, &types.Task{Code: "T-2", Name: "plain"})
	require.NoError(t, err)
	_, err = f.machine.Claim(ctx, plain, "dev-1")
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, AdvanceRequest{TaskCode: "T-2", AgentName: "dev-1", ConfidenceScore: 0.9})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestEngine_AdvanceWhilePendingHandoff(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.startedTask(t, "T-1", "dev-1")

	req := AdvanceRequest{TaskCode: "T-1", AgentName: "dev-1", ConfidenceScore: 0.9}
	_, err := f.engine.Advance(ctx, req)
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, req)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidStateTransition))
}

func TestEngine_FullRunCompletes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.startedTask(t, "T-1", "dev-1")

	res, err := f.engine.Advance(ctx, AdvanceRequest{
		TaskCode: "T-1", AgentName: "dev-1", ConfidenceScore: 0.8, DurationMinutes: intPtr(30),
	})
	require.NoError(t, err)
	require.Equal(t, ResultAdvanced, res.Kind)

	f.agent(t, "reviewer-1", "code_review")
	_, err = f.coord.Accept(ctx, res.Advanced.Handoff.ID, "reviewer-1")
	require.NoError(t, err)
	f.now = f.now.Add(12 * time.Minute)

	final, err := f.engine.Advance(ctx, AdvanceRequest{
		TaskCode: "T-1", AgentName: "reviewer-1", OutputSummary: "approved", ConfidenceScore: 0.95,
	})
	require.NoError(t, err)
	require.Equal(t, ResultCompleted, final.Kind)
	assert.Equal(t, "approved", final.Completed.FinalOutput)
	assert.Equal(t, 42, final.Completed.TotalDurationMinutes)
	assert.Equal(t, types.TaskStateDone, final.Completed.Task.State)

	events, err := f.machine.Events(ctx, "T-1")
	require.NoError(t, err)
	last := events[len(events)-2:]
	assert.Equal(t, types.TaskStateReview, last[0].ToState)
	assert.Equal(t, types.TaskStateDone, last[1].ToState)

	_, err = f.engine.Advance(ctx, AdvanceRequest{TaskCode: "T-1", AgentName: "reviewer-1", ConfidenceScore: 0.95})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	exec, err := f.engine.Execution(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, final.Completed.TotalDurationMinutes, exec.TotalDurationMinutes())
}

// 第一步交接等待期间任务被隔离并重置，重新认领后从第二步推进：
// 第一步留下的交接包不能把任务拉回第二步的能力，第二步的交接包正常接受。
func TestEngine_QuarantineRetiresPendingHandoff(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	_, err := f.engine.RegisterDefinition(ctx, &types.WorkflowDefinition{
		ID:   "three-step",
		Name: "three step",
		Steps: []types.WorkflowStep{
			{ID: "s1", RequiredCapability: "design"},
			{ID: "s2", RequiredCapability: "coding"},
			{ID: "s3", RequiredCapability: "review"},
		},
	})
	require.NoError(t, err)
	f.agent(t, "coder", "coding")
	f.agent(t, "reviewer", "review")

	created, err := f.machine.Create(ctx, &types.Task{Code: "T-1", Name: "three"})
	require.NoError(t, err)
	started, err := f.engine.Start(ctx, created, "three-step")
	require.NoError(t, err)
	_, err = f.machine.Claim(ctx, started, "designer")
	require.NoError(t, err)

	first, err := f.engine.Advance(ctx, AdvanceRequest{TaskCode: "T-1", AgentName: "designer", ConfidenceScore: 0.9})
	require.NoError(t, err)
	require.Equal(t, ResultAdvanced, first.Kind)
	staleID := first.Advanced.Handoff.ID

	waiting, err := f.machine.Get(ctx, "T-1")
	require.NoError(t, err)
	quarantined, err := f.machine.Quarantine(ctx, waiting, "operator", "no taker")
	require.NoError(t, err)
	reset, err := f.machine.Apply(ctx, quarantined, types.TaskStateCreated, task.WithActor("operator"))
	require.NoError(t, err)
	_, err = f.machine.Claim(ctx, reset, "coder")
	require.NoError(t, err)

	second, err := f.engine.Advance(ctx, AdvanceRequest{TaskCode: "T-1", AgentName: "coder", ConfidenceScore: 0.9})
	require.NoError(t, err)
	require.Equal(t, ResultAdvanced, second.Kind)
	assert.Equal(t, "s3", second.Advanced.Task.WorkflowCursor)

	_, err = f.coord.Accept(ctx, staleID, "coder")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidStateTransition), "got %v", err)

	tk, err := f.machine.Get(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePendingHandoff, tk.State)
	assert.Equal(t, second.Advanced.Handoff.ID, tk.PendingHandoffID)

	accepted, err := f.coord.Accept(ctx, second.Advanced.Handoff.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", accepted.Task.OwnerAgentName)
	assert.Equal(t, "s3", accepted.Task.WorkflowCursor)
}

func TestAdvanceResult_Switch(t *testing.T) {
	var got string
	run := func(r AdvanceResult) error {
		return r.Switch(
			func(*Advanced) error { got = "advanced"; return nil },
			func(*Completed) error { got = "completed"; return nil },
			func(*ValidationFailed) error { got = "failed"; return nil },
		)
	}
	require.NoError(t, run(advancedResult(&Advanced{})))
	assert.Equal(t, "advanced", got)
	require.NoError(t, run(completedResult(&Completed{})))
	assert.Equal(t, "completed", got)
	require.NoError(t, run(failedResult(ReasonBelowThreshold, "low", nil)))
	assert.Equal(t, "failed", got)
	assert.Error(t, run(AdvanceResult{Kind: ResultAdvanced}))
}

// 任意低于默认阈值的置信度都会被拒绝，且不产生任何写入。
func TestProperty_AdvanceBelowDefaultThresholdFails(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newEngineFixture(rt)
		ctx := context.Background()
		before := f.startedTask(rt, "P-1", "dev-1")
		score := rapid.Float64Range(0, types.DefaultConfidenceThreshold-1e-9).Draw(rt, "score")

		res, err := f.engine.Advance(ctx, AdvanceRequest{TaskCode: "P-1", AgentName: "dev-1", ConfidenceScore: score})
		require.NoError(rt, err)
		assert.Equal(rt, ResultValidationFailed, res.Kind)

		after, err := f.machine.Get(ctx, "P-1")
		require.NoError(rt, err)
		assert.Equal(rt, before.Version, after.Version)
	})
}

// 完成时的总时长等于所有已完成步骤时长之和。
func TestProperty_TotalDurationIsSum(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "steps")
		durations := rapid.SliceOfN(rapid.IntRange(0, 600), n, n).Draw(rt, "durations")

		f := newEngineFixture(rt)
		ctx := context.Background()
		def := &types.WorkflowDefinition{ID: "chain", Name: "chain"}
		for i := 0; i < n; i++ {
			def.Steps = append(def.Steps, types.WorkflowStep{ID: fmt.Sprintf("s%d", i), RequiredCapability: "general"})
		}
		_, err := f.engine.RegisterDefinition(ctx, def)
		require.NoError(rt, err)
		for i := 1; i <= n; i++ {
			f.agent(rt, fmt.Sprintf("agent-%d", i), "general")
		}
		created, err := f.machine.Create(ctx, &types.Task{Code: "P-1", Name: "chain"})
		require.NoError(rt, err)
		started, err := f.engine.Start(ctx, created, "chain")
		require.NoError(rt, err)
		_, err = f.machine.Claim(ctx, started, "agent-0")
		require.NoError(rt, err)

		want := 0
		var res AdvanceResult
		for i, d := range durations {
			want += d
			agent := fmt.Sprintf("agent-%d", i)
			res, err = f.engine.Advance(ctx, AdvanceRequest{
				TaskCode: "P-1", AgentName: agent, ConfidenceScore: 0.9, DurationMinutes: intPtr(d),
			})
			require.NoError(rt, err)
			if res.Kind == ResultAdvanced {
				_, err = f.coord.Accept(ctx, res.Advanced.Handoff.ID, fmt.Sprintf("agent-%d", i+1))
				require.NoError(rt, err)
			}
		}
		require.Equal(rt, ResultCompleted, res.Kind)
		assert.Equal(rt, want, res.Completed.TotalDurationMinutes)
	})
}
