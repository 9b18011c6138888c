package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janreges/axon-mcp-sub003/types"
)

// =============================================================================
// 🧪 所有后端共用的一致性测试
// =============================================================================

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTask(code string, state types.TaskState, priority int, created time.Time, caps ...string) *types.Task {
	t := &types.Task{
		Code:                 code,
		Name:                 "task " + code,
		State:                state,
		Priority:             priority,
		RequiredCapabilities: caps,
		Version:              1,
		CreatedAt:            created,
		UpdatedAt:            created,
		StateChangedAt:       created,
	}
	if state.RequiresOwner() {
		t.OwnerAgentName = "owner-bot"
	}
	return t
}

func newAgent(name string, max int, caps ...string) *types.AgentProfile {
	return &types.AgentProfile{
		Name:               name,
		Capabilities:       caps,
		MaxConcurrentTasks: max,
		Status:             types.AgentStatusIdle,
		LastHeartbeat:      baseTime,
		ReputationScore:    types.DefaultReputation,
		Version:            1,
		CreatedAt:          baseTime,
		UpdatedAt:          baseTime,
	}
}

// nextVersion builds the record a caller would write after reading cur.
func nextVersion(cur *types.Task, state types.TaskState, owner string) *types.Task {
	n := cur.Clone()
	n.State = state
	n.OwnerAgentName = owner
	n.Version = cur.Version + 1
	n.UpdatedAt = cur.UpdatedAt.Add(time.Minute)
	n.StateChangedAt = n.UpdatedAt
	return n
}

func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateAndGetTask", func(t *testing.T) {
		s := newStore(t)
		task := newTask("T1", types.TaskStateCreated, 5, baseTime, "design")
		require.NoError(t, s.CreateTask(ctx, task))
		assert.ErrorIs(t, s.CreateTask(ctx, task), ErrAlreadyExists)

		got, err := s.GetTask(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateCreated, got.State)
		assert.Equal(t, []string{"design"}, got.RequiredCapabilities)
		assert.Equal(t, int64(1), got.Version)
		assert.WithinDuration(t, baseTime, got.CreatedAt, time.Millisecond)

		_, err = s.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListTasks", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateTask(ctx, newTask("B", types.TaskStateCreated, 1, baseTime.Add(2*time.Second))))
		require.NoError(t, s.CreateTask(ctx, newTask("A", types.TaskStateReview, 1, baseTime.Add(time.Second))))
		require.NoError(t, s.CreateTask(ctx, newTask("C", types.TaskStateCreated, 1, baseTime)))

		all, err := s.ListTasks(ctx, TaskFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"C", "A", "B"}, codes(all))

		created, err := s.ListTasks(ctx, TaskFilter{States: []types.TaskState{types.TaskStateCreated}, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"C"}, codes(created))

		owned, err := s.ListTasks(ctx, TaskFilter{Owner: "owner-bot"})
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, codes(owned))
	})

	t.Run("CandidateTasksOrdering", func(t *testing.T) {
		s := newStore(t)
		low := newTask("LOW", types.TaskStateCreated, 1, baseTime)
		highOld := newTask("HIGH-OLD", types.TaskStateCreated, 9, baseTime)
		highNew := newTask("HIGH-NEW", types.TaskStateCreated, 9, baseTime.Add(time.Hour))
		troubled := newTask("TROUBLED", types.TaskStateCreated, 9, baseTime.Add(-time.Hour))
		troubled.FailureCount = 2
		done := newTask("DONE", types.TaskStateDone, 10, baseTime)
		other := newTask("OTHER", types.TaskStateCreated, 10, baseTime, "coding")
		for _, task := range []*types.Task{low, highOld, highNew, troubled, done, other} {
			require.NoError(t, s.CreateTask(ctx, task))
		}

		got, err := s.CandidateTasks(ctx, CandidateQuery{
			States:       types.DefaultDiscoverableStates(),
			Capabilities: []string{"design"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"HIGH-OLD", "HIGH-NEW", "TROUBLED", "LOW"}, codes(got))

		min := 5
		got, err = s.CandidateTasks(ctx, CandidateQuery{
			States:       types.DefaultDiscoverableStates(),
			ExcludeCodes: []string{"HIGH-OLD"},
			MinPriority:  &min,
			Limit:        2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"OTHER", "HIGH-NEW"}, codes(got))
	})

	t.Run("ApplyTaskUpdateCompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		cur := newTask("T1", types.TaskStateCreated, 0, baseTime)
		require.NoError(t, s.CreateTask(ctx, cur))

		next := nextVersion(cur, types.TaskStateInProgress, "design-bot")
		err := s.ApplyTaskUpdate(ctx, TaskUpdate{
			Task:            next,
			ExpectedVersion: cur.Version,
			Events: []*types.TaskEvent{
				{TaskCode: "T1", FromState: cur.State, ToState: next.State, Actor: "design-bot", OccurredAt: next.UpdatedAt},
			},
		})
		require.NoError(t, err)

		stale := nextVersion(cur, types.TaskStateInProgress, "other-bot")
		err = s.ApplyTaskUpdate(ctx, TaskUpdate{Task: stale, ExpectedVersion: cur.Version})
		assert.ErrorIs(t, err, ErrConflict)

		missing := nextVersion(newTask("NOPE", types.TaskStateCreated, 0, baseTime), types.TaskStateInProgress, "x")
		assert.ErrorIs(t, s.ApplyTaskUpdate(ctx, TaskUpdate{Task: missing, ExpectedVersion: 1}), ErrNotFound)

		bad := nextVersion(cur, types.TaskStateInProgress, "x")
		bad.Version = 7
		assert.ErrorIs(t, s.ApplyTaskUpdate(ctx, TaskUpdate{Task: bad, ExpectedVersion: 1}), ErrInvalidInput)

		got, err := s.GetTask(ctx, "T1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateInProgress, got.State)
		assert.Equal(t, "design-bot", got.OwnerAgentName)
		assert.Equal(t, int64(2), got.Version)

		events, err := s.ListTaskEvents(ctx, "T1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, types.TaskStateCreated, events[0].FromState)
		assert.Equal(t, types.TaskStateInProgress, events[0].ToState)
		assert.Positive(t, events[0].ID)

		inProgress, err := s.ListTasks(ctx, TaskFilter{States: []types.TaskState{types.TaskStateInProgress}})
		require.NoError(t, err)
		assert.Equal(t, []string{"T1"}, codes(inProgress))
		created, err := s.ListTasks(ctx, TaskFilter{States: []types.TaskState{types.TaskStateCreated}})
		require.NoError(t, err)
		assert.Empty(t, created)
	})

	t.Run("MultipleEventsKeepOrder", func(t *testing.T) {
		s := newStore(t)
		cur := newTask("M1", types.TaskStateInProgress, 0, baseTime)
		require.NoError(t, s.CreateTask(ctx, cur))

		next := nextVersion(cur, types.TaskStateDone, "owner-bot")
		require.NoError(t, s.ApplyTaskUpdate(ctx, TaskUpdate{
			Task:            next,
			ExpectedVersion: cur.Version,
			Events: []*types.TaskEvent{
				{TaskCode: "M1", FromState: types.TaskStateInProgress, ToState: types.TaskStateReview, OccurredAt: next.UpdatedAt},
				{TaskCode: "M1", FromState: types.TaskStateReview, ToState: types.TaskStateDone, OccurredAt: next.UpdatedAt},
			},
		}))

		events, err := s.ListTaskEvents(ctx, "M1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, types.TaskStateReview, events[0].ToState)
		assert.Equal(t, types.TaskStateDone, events[1].ToState)
		assert.Less(t, events[0].ID, events[1].ID)

		bad := nextVersion(next, types.TaskStateArchived, "")
		err = s.ApplyTaskUpdate(ctx, TaskUpdate{Task: bad, ExpectedVersion: next.Version,
			Events: []*types.TaskEvent{{TaskCode: "OTHER"}}})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("ConcurrentClaimHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		cur := newTask("RACE", types.TaskStateCreated, 0, baseTime)
		require.NoError(t, s.CreateTask(ctx, cur))

		const racers = 8
		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := nextVersion(cur, types.TaskStateInProgress, fmt.Sprintf("agent-%d", i))
				errs[i] = s.ApplyTaskUpdate(ctx, TaskUpdate{Task: next, ExpectedVersion: cur.Version})
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrConflict)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("WorkflowStepAndHandoffAreAtomic", func(t *testing.T) {
		s := newStore(t)
		cur := newTask("W1", types.TaskStateInProgress, 0, baseTime)
		cur.WorkflowID, cur.WorkflowCursor = "wf", "design"
		require.NoError(t, s.CreateTask(ctx, cur))

		step := &types.CompletedStep{TaskCode: "W1", StepID: "design", AgentName: "owner-bot",
			StartedAt: baseTime, CompletedAt: baseTime.Add(30 * time.Minute), DurationMinutes: 30, ConfidenceScore: 0.9}
		h := &types.HandoffPackage{ID: "h-1", TaskCode: "W1", FromAgentName: "owner-bot", ToCapability: "coding",
			Summary: "mockups", ConfidenceScore: 0.9, NextSteps: []string{"implement"}, CreatedAt: baseTime.Add(30 * time.Minute)}

		next := nextVersion(cur, types.TaskStatePendingHandoff, "owner-bot")
		next.WorkflowCursor = "build"
		next.PendingHandoffID = h.ID
		require.NoError(t, s.ApplyTaskUpdate(ctx, TaskUpdate{Task: next, ExpectedVersion: cur.Version, CompletedStep: step, NewHandoff: h}))

		// 重复步骤：整个单元回滚，任务版本不变
		again := nextVersion(next, types.TaskStateInProgress, "owner-bot")
		err := s.ApplyTaskUpdate(ctx, TaskUpdate{Task: again, ExpectedVersion: next.Version, CompletedStep: step})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.GetTask(ctx, "W1")
		require.NoError(t, err)
		assert.Equal(t, next.Version, got.Version)
		assert.Equal(t, types.TaskStatePendingHandoff, got.State)
		assert.Equal(t, "build", got.WorkflowCursor)
		assert.Equal(t, "h-1", got.PendingHandoffID)

		steps, err := s.ListCompletedSteps(ctx, "W1")
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, 30, steps[0].DurationMinutes)

		stored, err := s.GetHandoff(ctx, "h-1")
		require.NoError(t, err)
		assert.Equal(t, "coding", stored.ToCapability)
		assert.Equal(t, []string{"implement"}, stored.NextSteps)
		assert.False(t, stored.IsAccepted())
	})

	t.Run("AcceptHandoff", func(t *testing.T) {
		s := newStore(t)
		cur := newTask("H1", types.TaskStatePendingHandoff, 0, baseTime)
		require.NoError(t, s.CreateTask(ctx, cur))
		h := &types.HandoffPackage{ID: "h-accept", TaskCode: "H1", FromAgentName: "owner-bot", ToCapability: "coding",
			ConfidenceScore: 0.8, CreatedAt: baseTime}
		require.NoError(t, s.CreateHandoff(ctx, h))
		assert.ErrorIs(t, s.CreateHandoff(ctx, h), ErrAlreadyExists)

		orphan := *h
		orphan.ID, orphan.TaskCode = "h-orphan", "NOPE"
		assert.ErrorIs(t, s.CreateHandoff(ctx, &orphan), ErrNotFound)

		next := nextVersion(cur, types.TaskStateInProgress, "coder-bot")
		accept := &HandoffAcceptance{HandoffID: "h-accept", AgentName: "coder-bot", AcceptedAt: baseTime.Add(time.Hour)}
		require.NoError(t, s.ApplyTaskUpdate(ctx, TaskUpdate{Task: next, ExpectedVersion: cur.Version, AcceptHandoff: accept}))

		stored, err := s.GetHandoff(ctx, "h-accept")
		require.NoError(t, err)
		assert.True(t, stored.IsAccepted())
		assert.Equal(t, "coder-bot", stored.AcceptedBy)

		again := nextVersion(next, types.TaskStateInProgress, "late-bot")
		err = s.ApplyTaskUpdate(ctx, TaskUpdate{Task: again, ExpectedVersion: next.Version,
			AcceptHandoff: &HandoffAcceptance{HandoffID: "h-accept", AgentName: "late-bot", AcceptedAt: baseTime}})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.GetTask(ctx, "H1")
		require.NoError(t, err)
		assert.Equal(t, "coder-bot", got.OwnerAgentName)

		pending, err := s.ListHandoffs(ctx, HandoffFilter{PendingOnly: true})
		require.NoError(t, err)
		assert.Empty(t, pending)
		forTask, err := s.ListHandoffs(ctx, HandoffFilter{TaskCode: "H1"})
		require.NoError(t, err)
		assert.Len(t, forTask, 1)

		_, err = s.GetHandoff(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Workflows", func(t *testing.T) {
		s := newStore(t)
		est := 20
		def := &types.WorkflowDefinition{
			ID:   "wf",
			Name: "design-build",
			Steps: []types.WorkflowStep{
				{ID: "design", RequiredCapability: "design", EstimatedDurationMinutes: &est, ExitConditions: []string{"approved"}},
				{ID: "build", RequiredCapability: "coding"},
			},
			Transitions: []byte(`{"design":"build"}`),
			CreatedAt:   baseTime,
		}
		require.NoError(t, s.CreateWorkflow(ctx, def))
		assert.ErrorIs(t, s.CreateWorkflow(ctx, def), ErrAlreadyExists)

		got, err := s.GetWorkflow(ctx, "wf")
		require.NoError(t, err)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, 20, *got.Steps[0].EstimatedDurationMinutes)
		assert.Equal(t, []string{"approved"}, got.Steps[0].ExitConditions)
		assert.JSONEq(t, `{"design":"build"}`, string(got.Transitions))

		_, err = s.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Agents", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, newAgent("design-bot", 2, "design")))
		require.NoError(t, s.CreateAgent(ctx, newAgent("coder-bot", 3, "coding")))
		assert.ErrorIs(t, s.CreateAgent(ctx, newAgent("design-bot", 1)), ErrAlreadyExists)

		list, err := s.ListAgents(ctx, AgentFilter{Capability: "design"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "design-bot", list[0].Name)

		all, err := s.ListAgents(ctx, AgentFilter{})
		require.NoError(t, err)
		assert.Equal(t, "coder-bot", all[0].Name)

		updated, err := s.UpdateAgent(ctx, "design-bot", func(a *types.AgentProfile) error {
			a.Status = types.AgentStatusActive
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, types.AgentStatusActive, updated.Status)
		assert.Equal(t, int64(2), updated.Version)

		_, err = s.UpdateAgent(ctx, "ghost", func(*types.AgentProfile) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AgentLoadBounds", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, newAgent("design-bot", 2, "design")))

		a, err := s.AdjustAgentLoad(ctx, "design-bot", 2, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, a.CurrentLoad)

		_, err = s.AdjustAgentLoad(ctx, "design-bot", 1, nil)
		assert.ErrorIs(t, err, ErrOutOfBounds)

		zero := 0
		a, err = s.AdjustAgentLoad(ctx, "design-bot", 0, &zero)
		require.NoError(t, err)
		assert.Equal(t, 0, a.CurrentLoad)

		_, err = s.AdjustAgentLoad(ctx, "design-bot", -1, nil)
		assert.ErrorIs(t, err, ErrOutOfBounds)

		three := 3
		_, err = s.AdjustAgentLoad(ctx, "design-bot", 0, &three)
		assert.ErrorIs(t, err, ErrOutOfBounds)

		_, err = s.AdjustAgentLoad(ctx, "ghost", 1, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentLoadNeverExceedsCapacity", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, newAgent("busy-bot", 5, "design")))

		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.AdjustAgentLoad(ctx, "busy-bot", 1, nil); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		a, err := s.GetAgent(ctx, "busy-bot")
		require.NoError(t, err)
		assert.Equal(t, successes, a.CurrentLoad)
		assert.LessOrEqual(t, a.CurrentLoad, 5)
	})

	t.Run("AgentReputationClamps", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAgent(ctx, newAgent("design-bot", 1)))

		a, err := s.AdjustAgentReputation(ctx, "design-bot", 0.8)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, a.ReputationScore, 1e-9)

		a, err = s.AdjustAgentReputation(ctx, "design-bot", -0.25)
		require.NoError(t, err)
		assert.InDelta(t, 0.75, a.ReputationScore, 1e-9)

		a, err = s.AdjustAgentReputation(ctx, "design-bot", -5)
		require.NoError(t, err)
		assert.InDelta(t, 0.0, a.ReputationScore, 1e-9)

		_, err = s.AdjustAgentReputation(ctx, "ghost", 0.1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MarkAgentUnresponsive", func(t *testing.T) {
		s := newStore(t)
		stale := newAgent("stale-bot", 1)
		stale.Status = types.AgentStatusActive
		stale.LastHeartbeat = baseTime.Add(-400 * time.Second)
		fresh := newAgent("fresh-bot", 1)
		fresh.LastHeartbeat = baseTime
		blocked := newAgent("blocked-bot", 1)
		blocked.Status = types.AgentStatusBlocked
		blocked.LastHeartbeat = baseTime.Add(-time.Hour)
		for _, a := range []*types.AgentProfile{stale, fresh, blocked} {
			require.NoError(t, s.CreateAgent(ctx, a))
		}

		staleBefore := baseTime.Add(-300 * time.Second)
		changed, err := s.MarkAgentUnresponsive(ctx, "stale-bot", staleBefore)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.MarkAgentUnresponsive(ctx, "stale-bot", staleBefore)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = s.MarkAgentUnresponsive(ctx, "fresh-bot", staleBefore)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = s.MarkAgentUnresponsive(ctx, "blocked-bot", staleBefore)
		require.NoError(t, err)
		assert.False(t, changed)

		_, err = s.MarkAgentUnresponsive(ctx, "ghost", staleBefore)
		assert.ErrorIs(t, err, ErrNotFound)

		a, err := s.GetAgent(ctx, "stale-bot")
		require.NoError(t, err)
		assert.Equal(t, types.AgentStatusUnresponsive, a.Status)

		unresponsive, err := s.ListAgents(ctx, AgentFilter{Statuses: []types.AgentStatus{types.AgentStatusUnresponsive}})
		require.NoError(t, err)
		assert.Len(t, unresponsive, 1)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func codes(tasks []*types.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Code
	}
	return out
}
