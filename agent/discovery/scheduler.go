package discovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/types"
)

// DefaultMaxTasks caps a discovery result when the caller sets no limit.
const DefaultMaxTasks = 10

// TaskSource returns candidate tasks for a query.
type TaskSource interface {
	CandidateTasks(ctx context.Context, query persistence.CandidateQuery) ([]*types.Task, error)
}

// AgentSource loads agent profiles.
type AgentSource interface {
	GetAgent(ctx context.Context, name string) (*types.AgentProfile, error)
}

// Params describe a work discovery request.
type Params struct {
	// AgentName, when set, loads the agent's profile; its capabilities and
	// capacity then apply.
	AgentName    string            `json:"agent_name,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	MaxTasks     int               `json:"max_tasks,omitempty"`
	States       []types.TaskState `json:"states,omitempty"`
	ExcludeCodes []string          `json:"exclude_codes,omitempty"`
	MinPriority  *int              `json:"min_priority,omitempty"`
}

// Scheduler ranks tasks an agent may work on.
type Scheduler struct {
	tasks      TaskSource
	agents     AgentSource
	logger     *zap.Logger
	defaultMax int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDefaultMaxTasks sets the limit used when Params.MaxTasks is zero.
func WithDefaultMaxTasks(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.defaultMax = n
		}
	}
}

// NewScheduler creates a work discovery scheduler.
func NewScheduler(tasks TaskSource, agents AgentSource, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		tasks:      tasks,
		agents:     agents,
		logger:     logger.With(zap.String("component", "work_discovery")),
		defaultMax: DefaultMaxTasks,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Discover returns at most MaxTasks tasks the agent may work on, ranked by
// priority desc, failure count asc, creation time asc and code asc.
//
// An agent at capacity gets an empty list and the task store is not queried.
func (s *Scheduler) Discover(ctx context.Context, p Params) ([]*types.Task, error) {
	caps, err := types.ParseCapabilities(p.Capabilities)
	if err != nil {
		return nil, err
	}
	states := p.States
	if len(states) == 0 {
		states = types.DefaultDiscoverableStates()
	}
	for _, st := range states {
		if !st.IsValid() {
			return nil, types.NewValidationError("unknown task state %q", string(st))
		}
	}
	if p.MaxTasks < 0 {
		return nil, types.NewValidationError("max_tasks cannot be negative")
	}
	limit := p.MaxTasks
	if limit == 0 {
		limit = s.defaultMax
	}

	if p.AgentName != "" {
		agent, err := s.agents.GetAgent(ctx, p.AgentName)
		if err != nil {
			return nil, persistence.ToDomainError(err, "agent", p.AgentName)
		}
		if agent.AtCapacity() {
			s.logger.Debug("agent at capacity, skipping discovery",
				zap.String("agent", agent.Name),
				zap.Int("load", agent.CurrentLoad),
				zap.Int("max", agent.MaxConcurrentTasks),
			)
			return []*types.Task{}, nil
		}
		caps = narrowCapabilities(agent.Capabilities, caps)
	}

	query := persistence.CandidateQuery{
		States:       states,
		Capabilities: caps,
		ExcludeCodes: p.ExcludeCodes,
		MinPriority:  p.MinPriority,
		Limit:        limit,
	}
	candidates, err := s.tasks.CandidateTasks(ctx, query)
	if err != nil {
		return nil, persistence.ToDomainError(err, "task", "*")
	}
	ranked := Rank(candidates, query)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	s.logger.Debug("work discovered",
		zap.String("agent", p.AgentName),
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(ranked)),
	)
	return ranked, nil
}

// Rank filters tasks against query and sorts the survivors. It does not
// truncate.
func Rank(tasks []*types.Task, query persistence.CandidateQuery) []*types.Task {
	excluded := make(map[string]struct{}, len(query.ExcludeCodes))
	for _, code := range query.ExcludeCodes {
		excluded[code] = struct{}{}
	}
	out := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if !admissible(t, query.States) {
			continue
		}
		if _, skip := excluded[t.Code]; skip {
			continue
		}
		if query.MinPriority != nil && t.Priority < *query.MinPriority {
			continue
		}
		if !t.MatchesCapabilities(query.Capabilities) {
			continue
		}
		out = append(out, t)
	}
	persistence.SortCandidates(out)
	return out
}

func admissible(t *types.Task, states []types.TaskState) bool {
	for _, s := range states {
		if t.State == s {
			return true
		}
	}
	return false
}

// narrowCapabilities restricts the agent's capabilities to requested ones
// when the caller asked for a subset.
func narrowCapabilities(agentCaps, requested []string) []string {
	if len(requested) == 0 {
		return agentCaps
	}
	out := make([]string, 0, len(requested))
	for _, c := range requested {
		for _, have := range agentCaps {
			if c == have {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
