package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/types"
)

// Store is the agent half of the storage contract.
type Store interface {
	CreateAgent(ctx context.Context, agent *types.AgentProfile) error
	GetAgent(ctx context.Context, name string) (*types.AgentProfile, error)
	ListAgents(ctx context.Context, filter persistence.AgentFilter) ([]*types.AgentProfile, error)
	UpdateAgent(ctx context.Context, name string, fn func(*types.AgentProfile) error) (*types.AgentProfile, error)
	AdjustAgentLoad(ctx context.Context, name string, delta int, absolute *int) (*types.AgentProfile, error)
	AdjustAgentReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error)
	MarkAgentUnresponsive(ctx context.Context, name string, staleBefore time.Time) (bool, error)
}

// Registry tracks agent profiles. Counters are changed only through single
// atomic store writes, never read-modify-write in process.
type Registry struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry over store.
func New(store Store, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:  store,
		logger: logger.With(zap.String("component", "agent_registry")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadPercentage returns current_load / max_concurrent_tasks * 100, or 0
// for an agent with no capacity.
func LoadPercentage(a *types.AgentProfile) float64 {
	if a == nil {
		return 0
	}
	return a.LoadPercentage()
}

// Register validates and stores a new agent. Status defaults to idle and
// reputation to 0.5; the heartbeat is stamped now.
func (r *Registry) Register(ctx context.Context, profile *types.AgentProfile) (*types.AgentProfile, error) {
	if profile == nil {
		return nil, types.NewValidationError("agent profile is required")
	}
	a := profile.Clone()
	a.Name = strings.TrimSpace(a.Name)
	caps, err := types.ParseCapabilities(a.Capabilities)
	if err != nil {
		return nil, err
	}
	a.Capabilities = caps
	if a.Status == "" {
		a.Status = types.AgentStatusIdle
	}
	if a.ReputationScore == 0 {
		a.ReputationScore = types.DefaultReputation
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	now := r.now()
	a.LastHeartbeat = now
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	if err := r.store.CreateAgent(ctx, a); err != nil {
		return nil, persistence.ToDomainError(err, "agent", a.Name)
	}
	r.logger.Info("agent registered",
		zap.String("agent", a.Name),
		zap.Strings("capabilities", a.Capabilities),
		zap.Int("max_concurrent_tasks", a.MaxConcurrentTasks),
	)
	return a, nil
}

// Get loads an agent profile.
func (r *Registry) Get(ctx context.Context, name string) (*types.AgentProfile, error) {
	a, err := r.store.GetAgent(ctx, name)
	if err != nil {
		return nil, persistence.ToDomainError(err, "agent", name)
	}
	return a, nil
}

// List returns agents matching filter ordered by name.
func (r *Registry) List(ctx context.Context, filter persistence.AgentFilter) ([]*types.AgentProfile, error) {
	if filter.Capability != "" {
		c, err := types.ParseCapability(filter.Capability)
		if err != nil {
			return nil, err
		}
		filter.Capability = c
	}
	list, err := r.store.ListAgents(ctx, filter)
	if err != nil {
		return nil, persistence.ToDomainError(err, "agent", "*")
	}
	return list, nil
}

// Heartbeat records that the agent is alive. Load and status change only
// when supplied. An unresponsive agent stays unresponsive until it reports
// a status explicitly.
func (r *Registry) Heartbeat(ctx context.Context, name string, load *int, status *types.AgentStatus) (*types.AgentProfile, error) {
	if status != nil && !status.IsValid() {
		return nil, types.NewValidationError("unknown agent status %q", string(*status))
	}
	now := r.now()
	a, err := r.store.UpdateAgent(ctx, name, func(a *types.AgentProfile) error {
		if load != nil {
			if *load < 0 || *load > a.MaxConcurrentTasks {
				return types.NewValidationError("load %d is outside [0, %d]", *load, a.MaxConcurrentTasks)
			}
			a.CurrentLoad = *load
		}
		if status != nil {
			a.Status = *status
		}
		a.LastHeartbeat = now
		return nil
	})
	if err != nil {
		return nil, persistence.ToDomainError(err, "agent", name)
	}
	r.logger.Debug("agent heartbeat", zap.String("agent", name), zap.String("status", a.Status.String()))
	return a, nil
}

// LoadUpdate changes an agent's load by Delta, or sets it to Absolute when
// that is non-nil.
type LoadUpdate struct {
	Delta    int  `json:"delta,omitempty"`
	Absolute *int `json:"absolute,omitempty"`
}

// UpdateLoad applies u in one conditional store write. A result above
// max_concurrent_tasks or below zero is rejected with Validation; the value
// is never clamped.
func (r *Registry) UpdateLoad(ctx context.Context, name string, u LoadUpdate) (*types.AgentProfile, error) {
	a, err := r.store.AdjustAgentLoad(ctx, name, u.Delta, u.Absolute)
	if err != nil {
		if errors.Is(err, persistence.ErrOutOfBounds) {
			return nil, types.NewValidationError("load change for agent %q is outside [0, max_concurrent_tasks]", name).WithCause(err)
		}
		return nil, persistence.ToDomainError(err, "agent", name)
	}
	r.logger.Debug("agent load updated",
		zap.String("agent", name),
		zap.Int("load", a.CurrentLoad),
		zap.Int("max", a.MaxConcurrentTasks),
	)
	return a, nil
}

// UpdateReputation adds delta to the reputation, clamped to [0, 1] by the store.
func (r *Registry) UpdateReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error) {
	a, err := r.store.AdjustAgentReputation(ctx, name, delta)
	if err != nil {
		return nil, persistence.ToDomainError(err, "agent", name)
	}
	return a, nil
}

// SetStatus sets the status of an agent.
func (r *Registry) SetStatus(ctx context.Context, name string, status types.AgentStatus) (*types.AgentProfile, error) {
	return r.Heartbeat(ctx, name, nil, &status)
}

// Deactivate marks an agent offline. Its profile is kept.
func (r *Registry) Deactivate(ctx context.Context, name string) (*types.AgentProfile, error) {
	a, err := r.store.UpdateAgent(ctx, name, func(a *types.AgentProfile) error {
		a.Status = types.AgentStatusOffline
		return nil
	})
	if err != nil {
		return nil, persistence.ToDomainError(err, "agent", name)
	}
	r.logger.Info("agent deactivated", zap.String("agent", name))
	return a, nil
}

// FindByCapability returns available agents declaring capability, ranked by
// reputation desc, load asc, then name.
func (r *Registry) FindByCapability(ctx context.Context, capability string, limit int) ([]*types.AgentProfile, error) {
	c, err := types.ParseCapability(capability)
	if err != nil {
		return nil, err
	}
	list, err := r.store.ListAgents(ctx, persistence.AgentFilter{Capability: c})
	if err != nil {
		return nil, persistence.ToDomainError(err, "agent", "*")
	}
	out := make([]*types.AgentProfile, 0, len(list))
	for _, a := range list {
		if a.Status.IsAvailable() {
			out = append(out, a)
		}
	}
	RankAgents(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RankAgents sorts by reputation desc, current load asc, name asc.
func RankAgents(list []*types.AgentProfile) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.ReputationScore != b.ReputationScore {
			return a.ReputationScore > b.ReputationScore
		}
		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}
		return a.Name < b.Name
	})
}

// SweepUnresponsive marks every active or idle agent whose last heartbeat is
// older than timeout as unresponsive and returns them. Each agent is a
// separate conditional write, so a heartbeat that lands first wins. A failure
// on one agent is logged and does not stop the sweep.
func (r *Registry) SweepUnresponsive(ctx context.Context, timeout time.Duration) ([]*types.AgentProfile, error) {
	if timeout <= 0 {
		return nil, types.NewValidationError("sweep timeout must be positive")
	}
	staleBefore := r.now().Add(-timeout)
	candidates, err := r.store.ListAgents(ctx, persistence.AgentFilter{
		Statuses: []types.AgentStatus{types.AgentStatusActive, types.AgentStatusIdle},
	})
	if err != nil {
		return nil, persistence.ToDomainError(err, "agent", "*")
	}

	swept := make([]*types.AgentProfile, 0)
	for _, a := range candidates {
		if !a.LastHeartbeat.Before(staleBefore) {
			continue
		}
		changed, err := r.store.MarkAgentUnresponsive(ctx, a.Name, staleBefore)
		if err != nil {
			r.logger.Warn("failed to mark agent unresponsive", zap.String("agent", a.Name), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		a.Status = types.AgentStatusUnresponsive
		swept = append(swept, a)
		r.logger.Warn("agent marked unresponsive",
			zap.String("agent", a.Name),
			zap.Time("last_heartbeat", a.LastHeartbeat),
		)
	}
	return swept, nil
}
