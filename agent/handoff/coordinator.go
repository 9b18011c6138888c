package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/task"
	"github.com/janreges/axon-mcp-sub003/types"
)

// Store is the storage the coordinator reads from. Writes go through the
// task state machine so acceptance and the task transition share one unit.
type Store interface {
	GetTask(ctx context.Context, code string) (*types.Task, error)
	GetAgent(ctx context.Context, name string) (*types.AgentProfile, error)
	GetHandoff(ctx context.Context, id string) (*types.HandoffPackage, error)
	ListHandoffs(ctx context.Context, filter persistence.HandoffFilter) ([]*types.HandoffPackage, error)
}

// Request describes a handoff package to build.
type Request struct {
	TaskCode               string          `json:"task_code"`
	FromAgentName          string          `json:"from_agent_name"`
	ToCapability           string          `json:"to_capability"`
	Summary                string          `json:"summary"`
	ConfidenceScore        float64         `json:"confidence_score"`
	Artifacts              json.RawMessage `json:"artifacts,omitempty"`
	KnownLimitations       []string        `json:"known_limitations,omitempty"`
	NextSteps              []string        `json:"next_steps,omitempty"`
	BlockersResolved       []string        `json:"blockers_resolved,omitempty"`
	EstimatedEffortMinutes *int            `json:"estimated_effort_minutes,omitempty"`
}

// Accepted is the outcome of a successful acceptance.
type Accepted struct {
	Handoff *types.HandoffPackage `json:"handoff"`
	Task    *types.Task           `json:"task"`
}

// Coordinator creates and accepts handoff packages.
type Coordinator struct {
	store   Store
	machine *task.Machine
	logger  *zap.Logger
	newID   func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDGenerator overrides the package id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// NewCoordinator creates a handoff coordinator.
func NewCoordinator(store Store, machine *task.Machine, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		store:   store,
		machine: machine,
		logger:  logger.With(zap.String("component", "handoff_coordinator")),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MeetsConfidenceThreshold reports whether h may be surfaced for assignment.
func MeetsConfidenceThreshold(h *types.HandoffPackage, threshold float64) bool {
	return h != nil && h.MeetsConfidenceThreshold(threshold)
}

// Build validates req and returns an unsaved package. It performs no I/O.
func (c *Coordinator) Build(req Request) (*types.HandoffPackage, error) {
	if strings.TrimSpace(req.TaskCode) == "" {
		return nil, types.NewValidationError("task code is required")
	}
	if !types.IsValidAgentName(req.FromAgentName) {
		return nil, types.NewValidationError("from agent %q must be kebab-case", req.FromAgentName)
	}
	capability, err := types.ParseCapability(req.ToCapability)
	if err != nil {
		return nil, err
	}
	if !types.InUnitRange(req.ConfidenceScore) {
		return nil, types.NewValidationError("confidence %.2f is outside [0, 1]", req.ConfidenceScore)
	}
	if len(req.Artifacts) > 0 && !json.Valid(req.Artifacts) {
		return nil, types.NewValidationError("artifacts must be valid JSON")
	}
	if req.EstimatedEffortMinutes != nil && *req.EstimatedEffortMinutes < 0 {
		return nil, types.NewValidationError("estimated effort cannot be negative")
	}

	h := &types.HandoffPackage{
		ID:                     c.newID(),
		TaskCode:               req.TaskCode,
		FromAgentName:          req.FromAgentName,
		ToCapability:           capability,
		Summary:                req.Summary,
		ConfidenceScore:        req.ConfidenceScore,
		Artifacts:              req.Artifacts,
		KnownLimitations:       req.KnownLimitations,
		NextSteps:              req.NextSteps,
		BlockersResolved:       req.BlockersResolved,
		EstimatedEffortMinutes: req.EstimatedEffortMinutes,
		CreatedAt:              c.machine.Now(),
	}
	return h.Clone(), nil
}

// Create builds a package for a task outside any workflow and moves the
// task from in_progress to pending_handoff in the same write. Only the
// owning agent may hand its task off.
func (c *Coordinator) Create(ctx context.Context, req Request) (*types.HandoffPackage, error) {
	h, err := c.Build(req)
	if err != nil {
		return nil, err
	}
	t, err := c.machine.Get(ctx, req.TaskCode)
	if err != nil {
		return nil, err
	}
	if t.State == types.TaskStateInProgress && t.OwnerAgentName != req.FromAgentName {
		return nil, types.NewValidationError("task %q is owned by %q", t.Code, t.OwnerAgentName)
	}
	next, events, err := c.machine.Prepare(t, types.TaskStatePendingHandoff,
		task.WithActor(req.FromAgentName), task.WithReason("handoff to "+h.ToCapability))
	if err != nil {
		return nil, err
	}
	next.RequiredCapabilities = []string{h.ToCapability}
	next.PendingHandoffID = h.ID
	if err := c.machine.Commit(ctx, persistence.TaskUpdate{
		Task:            next,
		ExpectedVersion: t.Version,
		Events:          events,
		NewHandoff:      h,
	}); err != nil {
		return nil, err
	}

	c.logger.Info("handoff created",
		zap.String("handoff", h.ID),
		zap.String("task", h.TaskCode),
		zap.String("to_capability", h.ToCapability),
		zap.Float64("confidence", h.ConfidenceScore),
	)
	return h, nil
}

// Accept marks the package accepted by agent and moves its task from
// pending_handoff to in_progress owned by agent. Both changes are one
// atomic write: either both are visible or neither.
//
// Only the package the task is currently waiting on can be accepted, and
// only by a registered, available agent that declares the package's target
// capability. The write is conditioned on the task version that was checked.
func (c *Coordinator) Accept(ctx context.Context, id, agent string) (*Accepted, error) {
	if !types.IsValidAgentName(agent) {
		return nil, types.NewValidationError("agent name %q must be kebab-case", agent)
	}
	h, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.IsAccepted() {
		return nil, types.NewAlreadyExistsError("handoff acceptance", id)
	}
	t, err := c.machine.Get(ctx, h.TaskCode)
	if err != nil {
		return nil, err
	}
	if t.State != types.TaskStatePendingHandoff || t.PendingHandoffID != h.ID {
		return nil, types.Errorf(types.ErrInvalidStateTransition,
			"handoff %q is not pending for task %q (task is %s)", id, t.Code, t.State)
	}
	if err := c.checkAcceptor(ctx, agent, h.ToCapability); err != nil {
		return nil, err
	}
	next, events, err := c.machine.Prepare(t, types.TaskStateInProgress,
		task.WithOwner(agent), task.WithActor(agent), task.WithReason("handoff "+id+" accepted"))
	if err != nil {
		return nil, err
	}
	now := c.machine.Now()
	if next.HasWorkflow() {
		next.StepStartedAt = now
	}
	if err := c.machine.Commit(ctx, persistence.TaskUpdate{
		Task:            next,
		ExpectedVersion: t.Version,
		Events:          events,
		AcceptHandoff:   &persistence.HandoffAcceptance{HandoffID: id, AgentName: agent, AcceptedAt: now},
	}); err != nil {
		return nil, err
	}

	accepted := h.Clone()
	accepted.AcceptedAt = &now
	accepted.AcceptedBy = agent
	c.logger.Info("handoff accepted",
		zap.String("handoff", id),
		zap.String("task", h.TaskCode),
		zap.String("agent", agent),
	)
	return &Accepted{Handoff: accepted, Task: next}, nil
}

// checkAcceptor 校验接受方已注册、可接活且具备目标能力
func (c *Coordinator) checkAcceptor(ctx context.Context, name, capability string) error {
	a, err := c.store.GetAgent(ctx, name)
	if err != nil {
		return persistence.ToDomainError(err, "agent", name)
	}
	if !a.Status.IsAvailable() {
		return types.NewValidationError("agent %q is %s and cannot accept handoffs", name, a.Status)
	}
	if !a.HasCapability(capability) {
		return types.NewValidationError("agent %q lacks capability %q", name, capability)
	}
	return nil
}

// Get loads a handoff package.
func (c *Coordinator) Get(ctx context.Context, id string) (*types.HandoffPackage, error) {
	h, err := c.store.GetHandoff(ctx, id)
	if err != nil {
		return nil, persistence.ToDomainError(err, "handoff", id)
	}
	return h, nil
}

// ListPending returns unaccepted packages for capability (all capabilities
// when empty) whose confidence meets minConfidence, oldest first.
func (c *Coordinator) ListPending(ctx context.Context, capability string, minConfidence float64, limit int) ([]*types.HandoffPackage, error) {
	if capability != "" {
		parsed, err := types.ParseCapability(capability)
		if err != nil {
			return nil, err
		}
		capability = parsed
	}
	list, err := c.store.ListHandoffs(ctx, persistence.HandoffFilter{ToCapability: capability, PendingOnly: true})
	if err != nil {
		return nil, persistence.ToDomainError(err, "handoff", "*")
	}
	list, err = c.awaited(ctx, list)
	if err != nil {
		return nil, err
	}
	out := make([]*types.HandoffPackage, 0, len(list))
	for _, h := range list {
		if !MeetsConfidenceThreshold(h, minConfidence) {
			continue
		}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListForTask returns every package created for a task, oldest first.
func (c *Coordinator) ListForTask(ctx context.Context, code string) ([]*types.HandoffPackage, error) {
	if _, err := c.machine.Get(ctx, code); err != nil {
		return nil, err
	}
	list, err := c.store.ListHandoffs(ctx, persistence.HandoffFilter{TaskCode: code})
	if err != nil {
		return nil, persistence.ToDomainError(err, "handoff", "*")
	}
	return list, nil
}

// Stale returns unaccepted packages that have waited longer than age.
// Pending handoffs never expire on their own; callers decide what to do.
func (c *Coordinator) Stale(ctx context.Context, age time.Duration) ([]*types.HandoffPackage, error) {
	list, err := c.store.ListHandoffs(ctx, persistence.HandoffFilter{PendingOnly: true})
	if err != nil {
		return nil, persistence.ToDomainError(err, "handoff", "*")
	}
	list, err = c.awaited(ctx, list)
	if err != nil {
		return nil, err
	}
	now := c.machine.Now()
	out := make([]*types.HandoffPackage, 0)
	for _, h := range list {
		if pendingSince(h, now) > age {
			out = append(out, h)
		}
	}
	return out, nil
}

// awaited keeps the packages their task is still waiting on. Packages left
// behind by a quarantine, a reset or a newer handoff are dropped.
func (c *Coordinator) awaited(ctx context.Context, list []*types.HandoffPackage) ([]*types.HandoffPackage, error) {
	tasks := make(map[string]*types.Task)
	out := make([]*types.HandoffPackage, 0, len(list))
	for _, h := range list {
		t, seen := tasks[h.TaskCode]
		if !seen {
			loaded, err := c.store.GetTask(ctx, h.TaskCode)
			if err != nil && !errors.Is(err, persistence.ErrNotFound) {
				return nil, persistence.ToDomainError(err, "task", h.TaskCode)
			}
			tasks[h.TaskCode] = loaded
			t = loaded
		}
		if t != nil && t.PendingHandoffID == h.ID {
			out = append(out, h)
		}
	}
	return out, nil
}

// pendingSince reports how long h has been waiting for acceptance.
func pendingSince(h *types.HandoffPackage, now time.Time) time.Duration {
	if h.IsAccepted() {
		return 0
	}
	return now.Sub(h.CreatedAt)
}
