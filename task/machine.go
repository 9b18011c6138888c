package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/types"
)

// DefaultMaxFailures is the failure count at which RecordFailure quarantines.
const DefaultMaxFailures = 3

// Store is the part of the storage contract the state machine needs.
type Store interface {
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, code string) (*types.Task, error)
	ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]*types.Task, error)
	ApplyTaskUpdate(ctx context.Context, update persistence.TaskUpdate) error
	ListTaskEvents(ctx context.Context, code string) ([]*types.TaskEvent, error)
}

// TransitionHook observes committed state changes.
type TransitionHook func(event types.TaskEvent)

// Machine validates and applies task transitions. It holds no task state
// between calls; every write is conditioned on the version of the snapshot
// the caller read, and a lost race surfaces as a Conflict error.
type Machine struct {
	store       Store
	logger      *zap.Logger
	now         func() time.Time
	maxFailures int

	mu    sync.RWMutex
	hooks []TransitionHook
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithMaxFailures sets the auto-quarantine threshold of RecordFailure.
func WithMaxFailures(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.maxFailures = n
		}
	}
}

// NewMachine creates a state machine over store.
func NewMachine(store Store, logger *zap.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		store:       store,
		logger:      logger.With(zap.String("component", "task_machine")),
		now:         func() time.Time { return time.Now().UTC() },
		maxFailures: DefaultMaxFailures,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the machine clock, shared by components that build updates.
func (m *Machine) Now() time.Time {
	return m.now()
}

// OnTransition registers a hook called after every committed state change.
func (m *Machine) OnTransition(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Option customizes a single transition.
type Option func(*applyOptions)

type applyOptions struct {
	owner  string
	actor  string
	reason string
}

// WithOwner sets the owning agent of the target state.
func WithOwner(name string) Option {
	return func(o *applyOptions) { o.owner = name }
}

// WithActor records who requested the transition in the audit event.
func WithActor(name string) Option {
	return func(o *applyOptions) { o.actor = name }
}

// WithReason records a free-form reason in the audit event.
func WithReason(reason string) Option {
	return func(o *applyOptions) { o.reason = reason }
}

// Create validates and inserts a new task in the created state.
func (m *Machine) Create(ctx context.Context, t *types.Task) (*types.Task, error) {
	if t == nil {
		return nil, types.NewValidationError("task is required")
	}
	caps, err := types.ParseCapabilities(t.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	now := m.now()
	rec := t.Clone()
	rec.Code = strings.TrimSpace(rec.Code)
	rec.State = types.TaskStateCreated
	rec.OwnerAgentName = ""
	rec.FailureCount = 0
	rec.RequiredCapabilities = caps
	rec.WorkflowID = ""
	rec.WorkflowCursor = ""
	rec.PendingHandoffID = ""
	rec.StepStartedAt = time.Time{}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.StateChangedAt = now
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.ParentCode != "" {
		if _, err := m.store.GetTask(ctx, rec.ParentCode); err != nil {
			return nil, persistence.ToDomainError(err, "parent task", rec.ParentCode)
		}
	}
	if err := m.store.CreateTask(ctx, rec); err != nil {
		return nil, persistence.ToDomainError(err, "task", rec.Code)
	}
	m.logger.Info("task created", zap.String("task", rec.Code), zap.Int("priority", rec.Priority))
	return rec, nil
}

// Get loads the current record of a task.
func (m *Machine) Get(ctx context.Context, code string) (*types.Task, error) {
	t, err := m.store.GetTask(ctx, code)
	if err != nil {
		return nil, persistence.ToDomainError(err, "task", code)
	}
	return t, nil
}

// List returns tasks matching filter.
func (m *Machine) List(ctx context.Context, filter persistence.TaskFilter) ([]*types.Task, error) {
	tasks, err := m.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, persistence.ToDomainError(err, "task", "*")
	}
	return tasks, nil
}

// Events returns the audit trail of a task.
func (m *Machine) Events(ctx context.Context, code string) ([]*types.TaskEvent, error) {
	if _, err := m.Get(ctx, code); err != nil {
		return nil, err
	}
	events, err := m.store.ListTaskEvents(ctx, code)
	if err != nil {
		return nil, persistence.ToDomainError(err, "task", code)
	}
	return events, nil
}

// Prepare builds the record that results from moving snapshot to target,
// without writing it. See PreparePath.
func (m *Machine) Prepare(snapshot *types.Task, target types.TaskState, opts ...Option) (*types.Task, []*types.TaskEvent, error) {
	return m.PreparePath(snapshot, []types.TaskState{target}, opts...)
}

// PreparePath validates every hop of path starting at the snapshot state and
// returns the final record plus one audit event per hop. The record carries
// Version+1 so the whole path is committed as one write.
//
// Owner rules: states that require an owner take the WithOwner value or keep
// the current owner and fail Validation if there is none; created and
// quarantined clear the owner; other states keep it. Leaving pending_handoff
// clears PendingHandoffID, so a package is acceptable only while the task
// still waits on it.
func (m *Machine) PreparePath(snapshot *types.Task, path []types.TaskState, opts ...Option) (*types.Task, []*types.TaskEvent, error) {
	if snapshot == nil {
		return nil, nil, types.NewValidationError("task snapshot is required")
	}
	if len(path) == 0 {
		return nil, nil, types.NewValidationError("no target state given")
	}
	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := m.now()
	next := snapshot.Clone()
	events := make([]*types.TaskEvent, 0, len(path))
	for _, target := range path {
		if !CanTransition(next.State, target) {
			return nil, nil, types.NewInvalidTransitionError(next.State, target)
		}
		switch {
		case target == types.TaskStateCreated || target == types.TaskStateQuarantined:
			next.OwnerAgentName = ""
		case o.owner != "":
			next.OwnerAgentName = o.owner
		}
		if target.RequiresOwner() && next.OwnerAgentName == "" {
			return nil, nil, types.NewValidationError("state %s requires an owning agent", target)
		}
		events = append(events, &types.TaskEvent{
			TaskCode:   snapshot.Code,
			FromState:  next.State,
			ToState:    target,
			Actor:      o.actor,
			Reason:     o.reason,
			OccurredAt: now,
		})
		next.State = target
		if target != types.TaskStatePendingHandoff {
			next.PendingHandoffID = ""
		}
	}
	next.Version = snapshot.Version + 1
	next.UpdatedAt = now
	next.StateChangedAt = now
	return next, events, nil
}

// Commit writes a prepared update and notifies transition hooks. Store
// errors are translated into the coordination taxonomy.
func (m *Machine) Commit(ctx context.Context, update persistence.TaskUpdate) error {
	code := ""
	if update.Task != nil {
		code = update.Task.Code
	}
	if err := m.store.ApplyTaskUpdate(ctx, update); err != nil {
		kind := "task"
		// 重复接受交接时报告交接包本身
		if update.AcceptHandoff != nil && errors.Is(err, persistence.ErrAlreadyExists) && update.CompletedStep == nil {
			kind, code = "handoff", update.AcceptHandoff.HandoffID
		}
		mapped := persistence.ToDomainError(err, kind, code)
		m.logger.Debug("task update rejected", zap.String("task", code), zap.Error(mapped))
		return mapped
	}

	m.mu.RLock()
	hooks := m.hooks
	m.mu.RUnlock()
	for _, ev := range update.Events {
		m.logger.Info("task transition",
			zap.String("task", ev.TaskCode),
			zap.String("from", string(ev.FromState)),
			zap.String("to", string(ev.ToState)),
			zap.String("actor", ev.Actor),
		)
		for _, hook := range hooks {
			hook(*ev)
		}
	}
	return nil
}

// Apply validates the transition against the caller's snapshot and writes
// it conditioned on the snapshot version. It never retries: a concurrent
// write makes it fail with Conflict and the caller decides what to do.
func (m *Machine) Apply(ctx context.Context, snapshot *types.Task, target types.TaskState, opts ...Option) (*types.Task, error) {
	next, events, err := m.Prepare(snapshot, target, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Commit(ctx, persistence.TaskUpdate{
		Task:            next,
		ExpectedVersion: snapshot.Version,
		Events:          events,
	}); err != nil {
		return nil, err
	}
	return next, nil
}

// Claim moves a created task to in_progress owned by agent.
func (m *Machine) Claim(ctx context.Context, snapshot *types.Task, agent string) (*types.Task, error) {
	if !types.IsValidAgentName(agent) {
		return nil, types.NewValidationError("agent name %q must be kebab-case", agent)
	}
	return m.Apply(ctx, snapshot, types.TaskStateInProgress,
		WithOwner(agent), WithActor(agent), WithReason("claimed"))
}

// Quarantine escalates a task for human review and counts it as a failure.
func (m *Machine) Quarantine(ctx context.Context, snapshot *types.Task, actor, reason string) (*types.Task, error) {
	next, events, err := m.Prepare(snapshot, types.TaskStateQuarantined, WithActor(actor), WithReason(reason))
	if err != nil {
		return nil, err
	}
	next.FailureCount++
	if err := m.Commit(ctx, persistence.TaskUpdate{Task: next, ExpectedVersion: snapshot.Version, Events: events}); err != nil {
		return nil, err
	}
	m.logger.Warn("task quarantined",
		zap.String("task", next.Code),
		zap.Int("failure_count", next.FailureCount),
		zap.String("reason", reason),
	)
	return next, nil
}

// RecordFailure increments the failure count. Once it reaches the configured
// maximum the task is quarantined in the same write.
func (m *Machine) RecordFailure(ctx context.Context, snapshot *types.Task, actor, reason string) (*types.Task, error) {
	if snapshot == nil {
		return nil, types.NewValidationError("task snapshot is required")
	}
	if snapshot.FailureCount+1 >= m.maxFailures && snapshot.State != types.TaskStateQuarantined {
		return m.Quarantine(ctx, snapshot, actor, reason)
	}
	next := snapshot.Clone()
	next.FailureCount++
	next.Version = snapshot.Version + 1
	next.UpdatedAt = m.now()
	if err := m.Commit(ctx, persistence.TaskUpdate{Task: next, ExpectedVersion: snapshot.Version}); err != nil {
		return nil, err
	}
	m.logger.Info("task failure recorded",
		zap.String("task", next.Code),
		zap.Int("failure_count", next.FailureCount),
		zap.String("reason", reason),
	)
	return next, nil
}
