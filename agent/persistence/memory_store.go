package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/janreges/axon-mcp-sub003/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	tasks     map[string]*types.Task
	events    map[string][]*types.TaskEvent
	agents    map[string]*types.AgentProfile
	workflows map[string]*types.WorkflowDefinition
	steps     map[string][]*types.CompletedStep
	handoffs  map[string]*types.HandoffPackage

	nextEventID int64
	closed      bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*types.Task),
		events:    make(map[string][]*types.TaskEvent),
		agents:    make(map[string]*types.AgentProfile),
		workflows: make(map[string]*types.WorkflowDefinition),
		steps:     make(map[string][]*types.CompletedStep),
		handoffs:  make(map[string]*types.HandoffPackage),
	}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// ---- tasks ----

// CreateTask inserts a new task.
func (s *MemoryStore) CreateTask(ctx context.Context, task *types.Task) error {
	if task == nil || task.Code == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.tasks[task.Code]; ok {
		return ErrAlreadyExists
	}
	s.tasks[task.Code] = task.Clone()
	return nil
}

// GetTask retrieves a task by code
func (s *MemoryStore) GetTask(ctx context.Context, code string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	t, ok := s.tasks[code]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListTasks retrieves tasks matching the filter, oldest first.
func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	result := make([]*types.Task, 0)
	for _, t := range s.tasks {
		if matchesTaskFilter(t, filter) {
			result = append(result, t.Clone())
		}
	}
	sortTasksByCreation(result)
	return paginate(result, filter.Offset, filter.Limit), nil
}

// CandidateTasks returns discovery candidates in ranking order.
func (s *MemoryStore) CandidateTasks(ctx context.Context, query CandidateQuery) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	result := make([]*types.Task, 0)
	for _, t := range s.tasks {
		if matchesCandidate(t, query) {
			result = append(result, t.Clone())
		}
	}
	SortCandidates(result)
	return paginate(result, 0, query.Limit), nil
}

// ApplyTaskUpdate writes the update atomically under the store lock.
func (s *MemoryStore) ApplyTaskUpdate(ctx context.Context, u TaskUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	var accepted *types.HandoffPackage
	if u.AcceptHandoff != nil {
		h, ok := s.handoffs[u.AcceptHandoff.HandoffID]
		if !ok {
			return ErrNotFound
		}
		if h.IsAccepted() {
			return ErrAlreadyExists
		}
		accepted = h
	}

	current, ok := s.tasks[u.Task.Code]
	if !ok {
		return ErrNotFound
	}
	if current.Version != u.ExpectedVersion {
		return ErrConflict
	}
	if u.CompletedStep != nil {
		for _, done := range s.steps[u.Task.Code] {
			if done.StepID == u.CompletedStep.StepID {
				return ErrAlreadyExists
			}
		}
	}
	if u.NewHandoff != nil {
		if _, exists := s.handoffs[u.NewHandoff.ID]; exists {
			return ErrAlreadyExists
		}
	}

	// 所有检查通过后才开始写入
	s.tasks[u.Task.Code] = u.Task.Clone()
	for _, e := range u.Events {
		s.nextEventID++
		ev := *e
		ev.ID = s.nextEventID
		s.events[ev.TaskCode] = append(s.events[ev.TaskCode], &ev)
	}
	if u.CompletedStep != nil {
		step := *u.CompletedStep
		s.steps[step.TaskCode] = append(s.steps[step.TaskCode], &step)
	}
	if u.NewHandoff != nil {
		s.handoffs[u.NewHandoff.ID] = u.NewHandoff.Clone()
	}
	if accepted != nil {
		at := u.AcceptHandoff.AcceptedAt
		accepted.AcceptedAt = &at
		accepted.AcceptedBy = u.AcceptHandoff.AgentName
	}
	return nil
}

// ListTaskEvents returns the audit trail of a task in write order.
func (s *MemoryStore) ListTaskEvents(ctx context.Context, code string) ([]*types.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	src := s.events[code]
	out := make([]*types.TaskEvent, 0, len(src))
	for _, ev := range src {
		c := *ev
		out = append(out, &c)
	}
	return out, nil
}

// ---- workflows ----

// CreateWorkflow stores a new definition. Definitions are never replaced.
func (s *MemoryStore) CreateWorkflow(ctx context.Context, def *types.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.workflows[def.ID]; ok {
		return ErrAlreadyExists
	}
	s.workflows[def.ID] = cloneDefinition(def)
	return nil
}

// GetWorkflow retrieves a definition by id.
func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	def, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDefinition(def), nil
}

// ListCompletedSteps returns the completed steps of a task by completion time.
func (s *MemoryStore) ListCompletedSteps(ctx context.Context, taskCode string) ([]*types.CompletedStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	src := s.steps[taskCode]
	out := make([]*types.CompletedStep, 0, len(src))
	for _, st := range src {
		c := *st
		out = append(out, &c)
	}
	sortCompletedSteps(out)
	return out, nil
}

// ---- handoffs ----

// CreateHandoff stores a standalone handoff package.
func (s *MemoryStore) CreateHandoff(ctx context.Context, h *types.HandoffPackage) error {
	if h == nil || h.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.tasks[h.TaskCode]; !ok {
		return ErrNotFound
	}
	if _, ok := s.handoffs[h.ID]; ok {
		return ErrAlreadyExists
	}
	s.handoffs[h.ID] = h.Clone()
	return nil
}

// GetHandoff retrieves a handoff by id.
func (s *MemoryStore) GetHandoff(ctx context.Context, id string) (*types.HandoffPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	h, ok := s.handoffs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h.Clone(), nil
}

// ListHandoffs returns handoffs matching the filter, oldest first.
func (s *MemoryStore) ListHandoffs(ctx context.Context, filter HandoffFilter) ([]*types.HandoffPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*types.HandoffPackage, 0)
	for _, h := range s.handoffs {
		if matchesHandoffFilter(h, filter) {
			out = append(out, h.Clone())
		}
	}
	sortHandoffs(out)
	return paginate(out, 0, filter.Limit), nil
}

// ---- agents ----

// CreateAgent registers a new agent profile.
func (s *MemoryStore) CreateAgent(ctx context.Context, agent *types.AgentProfile) error {
	if agent == nil || agent.Name == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.agents[agent.Name]; ok {
		return ErrAlreadyExists
	}
	s.agents[agent.Name] = agent.Clone()
	return nil
}

// GetAgent retrieves an agent by name.
func (s *MemoryStore) GetAgent(ctx context.Context, name string) (*types.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	a, ok := s.agents[name]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// ListAgents returns agents matching the filter ordered by name.
func (s *MemoryStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*types.AgentProfile, 0)
	for _, a := range s.agents {
		if matchesAgentFilter(a, filter) {
			out = append(out, a.Clone())
		}
	}
	sortAgentsByName(out)
	return paginate(out, 0, filter.Limit), nil
}

// UpdateAgent runs fn on a copy of the profile under the write lock.
func (s *MemoryStore) UpdateAgent(ctx context.Context, name string, fn func(*types.AgentProfile) error) (*types.AgentProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	current, ok := s.agents[name]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Name = current.Name
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.agents[name] = next
	return next.Clone(), nil
}

// AdjustAgentLoad changes the load within [0, max].
func (s *MemoryStore) AdjustAgentLoad(ctx context.Context, name string, delta int, absolute *int) (*types.AgentProfile, error) {
	return s.UpdateAgent(ctx, name, func(a *types.AgentProfile) error {
		next, err := applyLoad(a, delta, absolute)
		if err != nil {
			return err
		}
		a.CurrentLoad = next
		return nil
	})
}

// AdjustAgentReputation adds delta and clamps to [0, 1].
func (s *MemoryStore) AdjustAgentReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error) {
	return s.UpdateAgent(ctx, name, func(a *types.AgentProfile) error {
		a.ReputationScore = clampReputation(a.ReputationScore + delta)
		return nil
	})
}

// MarkAgentUnresponsive flips a stale active or idle agent.
func (s *MemoryStore) MarkAgentUnresponsive(ctx context.Context, name string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	a, ok := s.agents[name]
	if !ok {
		return false, ErrNotFound
	}
	if !isStale(a, staleBefore) {
		return false, nil
	}
	next := a.Clone()
	next.Status = types.AgentStatusUnresponsive
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.agents[name] = next
	return true, nil
}

func cloneDefinition(def *types.WorkflowDefinition) *types.WorkflowDefinition {
	c := *def
	c.Steps = make([]types.WorkflowStep, len(def.Steps))
	for i, st := range def.Steps {
		cs := st
		cs.ExitConditions = append([]string(nil), st.ExitConditions...)
		cs.ValidationRules = append([]string(nil), st.ValidationRules...)
		if st.EstimatedDurationMinutes != nil {
			v := *st.EstimatedDurationMinutes
			cs.EstimatedDurationMinutes = &v
		}
		c.Steps[i] = cs
	}
	if def.Transitions != nil {
		c.Transitions = append([]byte(nil), def.Transitions...)
	}
	return &c
}
