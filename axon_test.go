package axon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/discovery"
	"github.com/janreges/axon-mcp-sub003/agent/handoff"
	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/agent/registry"
	"github.com/janreges/axon-mcp-sub003/internal/cache"
	"github.com/janreges/axon-mcp-sub003/internal/metrics"
	"github.com/janreges/axon-mcp-sub003/internal/telemetry"
	"github.com/janreges/axon-mcp-sub003/types"
	"github.com/janreges/axon-mcp-sub003/workflow"
)

var namespaceSeq uint64

func nextNamespace() string {
	return fmt.Sprintf("axon_test_%d", atomic.AddUint64(&namespaceSeq, 1))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	coord     *Coordinator
	clock     *testClock
	namespace string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)},
		namespace: nextNamespace(),
	}
	seq := 0
	opts = append([]Option{
		WithClock(h.clock.Now),
		WithMetrics(metrics.NewCollector(h.namespace, zap.NewNop())),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("handoff-%02d", seq)
		}),
	}, opts...)

	coord, err := New(persistence.NewMemoryStore(), DefaultConfig(), zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })
	h.coord = coord
	return h
}

// metricValue sums the samples of a metric whose labels include want.
func (h *harness) metricValue(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, mf := range families {
		if mf.GetName() != h.namespace+"_"+name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, want) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func twoStepWorkflow() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:   "design-build",
		Name: "Design then build",
		Steps: []types.WorkflowStep{
			{ID: "design", Name: "Design", RequiredCapability: "architecture", ExitConditions: []string{"ADR written"}},
			{ID: "build", Name: "Build", RequiredCapability: "rust", HandoffTemplate: "design ready"},
		},
	}
}

func (h *harness) registerAgent(t *testing.T, name string, caps ...string) {
	t.Helper()
	_, err := h.coord.RegisterAgent(context.Background(), &types.AgentProfile{
		Name:               name,
		Capabilities:       caps,
		MaxConcurrentTasks: 2,
	})
	require.NoError(t, err)
}

// =============================================================================
// 🧪 端到端协调流程
// =============================================================================

func TestCoordinator_WorkflowLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.coord

	h.registerAgent(t, "system-architect", "architecture")
	h.registerAgent(t, "rust-dev", "rust")

	_, err := c.RegisterWorkflow(ctx, twoStepWorkflow())
	require.NoError(t, err)

	created, err := c.CreateTask(ctx, &types.Task{Code: "API-1", Name: "Build API", Priority: 5})
	require.NoError(t, err)
	assert.Equal(t, 0.7, created.ConfidenceThreshold, "default threshold applied")

	_, err = c.StartWorkflow(ctx, "API-1", "design-build")
	require.NoError(t, err)

	found, err := c.Discover(ctx, discovery.Params{AgentName: "system-architect"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "API-1", found[0].Code)

	_, err = c.ClaimTask(ctx, "API-1", "system-architect")
	require.NoError(t, err)

	rejected, err := c.AdvanceWorkflow(ctx, workflow.AdvanceRequest{
		TaskCode:        "API-1",
		AgentName:       "system-architect",
		OutputSummary:   "rough sketch",
		ConfidenceScore: 0.4,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.ResultValidationFailed, rejected.Kind)
	assert.Equal(t, []string{"ADR written"}, rejected.ValidationFailed.RequiredFixes)

	h.clock.Advance(30 * time.Minute)
	advanced, err := c.AdvanceWorkflow(ctx, workflow.AdvanceRequest{
		TaskCode:        "API-1",
		AgentName:       "system-architect",
		OutputSummary:   "ADR-7 accepted",
		ConfidenceScore: 0.9,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.ResultAdvanced, advanced.Kind)
	assert.Equal(t, types.TaskStatePendingHandoff, advanced.Advanced.Task.State)
	assert.Equal(t, "rust", advanced.Advanced.Handoff.ToCapability)

	pending, err := c.ListPendingHandoffs(ctx, "rust", 0.8, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	accepted, err := c.AcceptHandoff(ctx, pending[0].ID, "rust-dev")
	require.NoError(t, err)
	assert.Equal(t, "rust-dev", accepted.Task.OwnerAgentName)
	assert.Equal(t, types.TaskStateInProgress, accepted.Task.State)

	h.clock.Advance(45 * time.Minute)
	done, err := c.AdvanceWorkflow(ctx, workflow.AdvanceRequest{
		TaskCode:        "API-1",
		AgentName:       "rust-dev",
		OutputSummary:   "shipped",
		ConfidenceScore: 0.95,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.ResultCompleted, done.Kind)
	assert.Equal(t, types.TaskStateDone, done.Completed.Task.State)
	assert.Equal(t, 75, done.Completed.TotalDurationMinutes)

	exec, err := c.WorkflowExecution(ctx, "API-1")
	require.NoError(t, err)
	assert.Len(t, exec.CompletedSteps, 2)

	events, err := c.TaskEvents(ctx, "API-1")
	require.NoError(t, err)
	var trail []types.TaskState
	for _, ev := range events {
		trail = append(trail, ev.ToState)
	}
	assert.Equal(t, []types.TaskState{
		types.TaskStateInProgress,
		types.TaskStatePendingHandoff,
		types.TaskStateInProgress,
		types.TaskStateReview,
		types.TaskStateDone,
	}, trail)

	handoffs, err := c.TaskHandoffs(ctx, "API-1")
	require.NoError(t, err)
	require.Len(t, handoffs, 1)
	assert.True(t, handoffs[0].IsAccepted())

	assert.Equal(t, 5.0, h.metricValue(t, "task_transitions_total", nil))
	assert.Equal(t, 1.0, h.metricValue(t, "task_transitions_total", map[string]string{"from_state": "review", "to_state": "done"}))
	assert.Equal(t, 1.0, h.metricValue(t, "workflow_advance_total", map[string]string{"outcome": "validation_failed"}))
	assert.Equal(t, 1.0, h.metricValue(t, "workflow_advance_total", map[string]string{"outcome": "completed"}))
	assert.Equal(t, 1.0, h.metricValue(t, "handoffs_created_total", map[string]string{"to_capability": "rust"}))
	assert.Equal(t, 1.0, h.metricValue(t, "handoffs_accepted_total", map[string]string{"to_capability": "rust"}))
	assert.Equal(t, 1.0, h.metricValue(t, "discovery_requests_total", map[string]string{"result": "found"}))
}

func TestCoordinator_TransitionRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.coord

	_, err := c.CreateTask(ctx, &types.Task{Code: "T-1", Name: "one", ConfidenceThreshold: 0.5})
	require.NoError(t, err)

	_, err = c.Transition(ctx, "T-1", TransitionRequest{Target: types.TaskStateDone})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidStateTransition))

	_, err = c.Transition(ctx, "T-1", TransitionRequest{Target: types.TaskStateInProgress})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation), "owner is required")

	_, err = c.Transition(ctx, "T-1", TransitionRequest{Target: types.TaskStateInProgress, Owner: "qa-bot", ExpectedVersion: 9})
	assert.True(t, types.IsErrorCode(err, types.ErrConflict))

	moved, err := c.Transition(ctx, "T-1", TransitionRequest{
		Target:          types.TaskStateInProgress,
		Owner:           "qa-bot",
		Actor:           "qa-bot",
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "qa-bot", moved.OwnerAgentName)
	assert.Equal(t, 0.5, moved.ConfidenceThreshold)

	quarantined, err := c.QuarantineTask(ctx, "T-1", "qa-bot", "flaky build")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQuarantined, quarantined.State)
	assert.Equal(t, 1, quarantined.FailureCount)

	_, err = c.GetTask(ctx, "MISSING")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	assert.Equal(t, 1.0, h.metricValue(t, "coordination_errors_total",
		map[string]string{"operation": "transition", "code": string(types.ErrConflict)}))
}

func TestCoordinator_RecordFailureQuarantinesAtLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.coord

	_, err := c.CreateTask(ctx, &types.Task{Code: "F-1", Name: "fails"})
	require.NoError(t, err)

	for i := 1; i < 3; i++ {
		got, err := c.RecordFailure(ctx, "F-1", "ci", "tests red")
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateCreated, got.State)
		assert.Equal(t, i, got.FailureCount)
	}
	got, err := c.RecordFailure(ctx, "F-1", "ci", "tests red")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateQuarantined, got.State)
	assert.Equal(t, 3, got.FailureCount)
}

func TestCoordinator_AgentOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.coord

	h.registerAgent(t, "go-dev", "go", "testing")
	h.registerAgent(t, "qa-bot", "testing")

	load := 1
	busy := types.AgentStatusActive
	a, err := c.Heartbeat(ctx, "go-dev", &load, &busy)
	require.NoError(t, err)
	assert.Equal(t, 1, a.CurrentLoad)

	_, err = c.UpdateLoad(ctx, "go-dev", registry.LoadUpdate{Delta: 5})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	a, err = c.UpdateReputation(ctx, "qa-bot", 0.2)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, a.ReputationScore, 1e-9)

	best, err := c.FindAgents(ctx, "testing", 5)
	require.NoError(t, err)
	require.Len(t, best, 2)
	assert.Equal(t, "qa-bot", best[0].Name, "higher reputation first")

	_, err = c.DeactivateAgent(ctx, "qa-bot")
	require.NoError(t, err)
	offline, err := c.ListAgents(ctx, persistence.AgentFilter{Statuses: []types.AgentStatus{types.AgentStatusOffline}})
	require.NoError(t, err)
	require.Len(t, offline, 1)

	got, err := c.GetAgent(ctx, "go-dev")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusActive, got.Status)
}

func TestCoordinator_SweepPublishesGauges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.coord

	h.registerAgent(t, "silent-agent", "go")
	h.registerAgent(t, "owner-agent", "go")

	_, err := c.CreateTask(ctx, &types.Task{Code: "H-1", Name: "handoff"})
	require.NoError(t, err)
	_, err = c.ClaimTask(ctx, "H-1", "owner-agent")
	require.NoError(t, err)
	_, err = c.CreateHandoff(ctx, handoff.Request{
		TaskCode:        "H-1",
		FromAgentName:   "owner-agent",
		ToCapability:    "review",
		Summary:         "ready for review",
		ConfidenceScore: 0.9,
	})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	_, err = c.Heartbeat(ctx, "owner-agent", nil, nil)
	require.NoError(t, err)

	swept := c.SweepUnresponsive(ctx)
	require.Len(t, swept, 1)
	assert.Equal(t, "silent-agent", swept[0].Name)

	stale, err := c.StaleHandoffs(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	assert.Equal(t, 1.0, h.metricValue(t, "agent_sweep_runs_total", map[string]string{"status": "ok"}))
	assert.Equal(t, 1.0, h.metricValue(t, "agents_marked_unresponsive_total", nil))
	assert.Equal(t, 1.0, h.metricValue(t, "stale_pending_handoffs", nil))
	assert.Equal(t, 1.0, h.metricValue(t, "agents", map[string]string{"status": "unresponsive"}))
}

func TestCoordinator_DefinitionCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	manager := cache.NewManagerFromClient(client, cache.Config{DefaultTTL: time.Minute}, zap.NewNop())
	t.Cleanup(func() { _ = manager.Close() })

	h := newHarness(t, WithDefinitionCache(manager))
	ctx := context.Background()

	_, err := h.coord.RegisterWorkflow(ctx, twoStepWorkflow())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		def, err := h.coord.GetWorkflow(ctx, "design-build")
		require.NoError(t, err)
		assert.Len(t, def.Steps, 2)
	}
	assert.True(t, mr.Exists("axon:workflow:design-build"))
	assert.Positive(t, h.metricValue(t, "cache_hits_total", map[string]string{"cache_type": "workflow"}))
}

func TestCoordinator_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	instruments, err := telemetry.NewInstruments(tp.Tracer("test"), noopmetric.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	h := newHarness(t, WithInstruments(instruments))
	ctx := context.Background()

	_, err = h.coord.CreateTask(ctx, &types.Task{Code: "S-1", Name: "span"})
	require.NoError(t, err)
	_, err = h.coord.ClaimTask(ctx, "S-1", "Not Kebab")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "axon.create_task", spans[0].Name())
	assert.Equal(t, "axon.claim_task", spans[1].Name())
	assert.Len(t, spans[1].Events(), 1, "error recorded on span")
}

func TestCoordinator_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.Start(ctx))
	require.NoError(t, h.coord.Ping(ctx))
	require.NoError(t, h.coord.Stop(ctx))
	require.NoError(t, h.coord.Stop(ctx))
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, DefaultConfig(), nil)
	assert.Error(t, err)
}
