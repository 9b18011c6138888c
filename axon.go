// Package axon wires the coordination core into a single entry point.
//
// A Coordinator owns one store and the components built on it: the task
// state machine, the workflow engine, the agent registry with its background
// sweeper, the work discovery scheduler and the handoff coordinator.
//
// Usage:
//
//	store := persistence.NewMemoryStore()
//	c, err := axon.New(store, axon.DefaultConfig(), logger)
//	task, err := c.CreateTask(ctx, &types.Task{Code: "API-1", Name: "Build API"})
//	task, err = c.ClaimTask(ctx, "API-1", "rust-architect")
//
// Every operation is logged, traced when instruments are configured and
// timed when a metrics collector is configured.
package axon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/discovery"
	"github.com/janreges/axon-mcp-sub003/agent/handoff"
	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/agent/registry"
	"github.com/janreges/axon-mcp-sub003/config"
	"github.com/janreges/axon-mcp-sub003/internal/metrics"
	"github.com/janreges/axon-mcp-sub003/internal/telemetry"
	"github.com/janreges/axon-mcp-sub003/task"
	"github.com/janreges/axon-mcp-sub003/types"
	"github.com/janreges/axon-mcp-sub003/workflow"
)

// Config tunes the coordination core.
type Config struct {
	SweepInterval              time.Duration
	HeartbeatTimeout           time.Duration
	SweepRunTimeout            time.Duration
	DefaultConfidenceThreshold float64
	DiscoveryDefaultMax        int
	MaxFailures                int
	StaleHandoffAfter          time.Duration
	DefinitionCacheTTL         time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultConfig())
}

// ConfigFrom extracts the coordination settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	c := cfg.Coordination
	return Config{
		SweepInterval:              c.SweepInterval,
		HeartbeatTimeout:           c.HeartbeatTimeout,
		SweepRunTimeout:            c.SweepRunTimeout,
		DefaultConfidenceThreshold: c.DefaultConfidenceThreshold,
		DiscoveryDefaultMax:        c.DiscoveryDefaultMax,
		MaxFailures:                c.MaxFailures,
		StaleHandoffAfter:          c.StaleHandoffAfter,
		DefinitionCacheTTL:         cfg.Redis.DefinitionTTL,
	}
}

// Option configures a Coordinator.
type Option func(*options)

type options struct {
	collector   *metrics.Collector
	instruments *telemetry.Instruments
	cache       workflow.JSONCache
	now         func() time.Time
	newID       func() string
}

// WithMetrics records operation metrics on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.collector = collector }
}

// WithInstruments traces every operation.
func WithInstruments(instruments *telemetry.Instruments) Option {
	return func(o *options) { o.instruments = instruments }
}

// WithDefinitionCache puts cache in front of workflow definition reads.
func WithDefinitionCache(cache workflow.JSONCache) Option {
	return func(o *options) { o.cache = cache }
}

// WithClock overrides the clock of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides the handoff id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// Coordinator is the façade over the coordination core.
type Coordinator struct {
	store       persistence.Store
	machine     *task.Machine
	engine      *workflow.Engine
	registry    *registry.Registry
	scheduler   *discovery.Scheduler
	handoffs    *handoff.Coordinator
	sweeper     *registry.Sweeper
	config      Config
	collector   *metrics.Collector
	instruments *telemetry.Instruments
	logger      *zap.Logger
}

// New builds a Coordinator over store. The store is owned by the
// Coordinator from here on and closed by Close.
func New(store persistence.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	machineOpts := []task.MachineOption{task.WithMaxFailures(cfg.MaxFailures)}
	registryOpts := []registry.Option{}
	if o.now != nil {
		machineOpts = append(machineOpts, task.WithClock(o.now))
		registryOpts = append(registryOpts, registry.WithClock(o.now))
	}
	handoffOpts := []handoff.Option{}
	if o.newID != nil {
		handoffOpts = append(handoffOpts, handoff.WithIDGenerator(o.newID))
	}

	machine := task.NewMachine(store, logger, machineOpts...)
	handoffs := handoff.NewCoordinator(store, machine, logger, handoffOpts...)

	defs := workflow.StoreDefinitions(store)
	if o.cache != nil {
		cached := workflow.NewCachedDefinitions(defs, o.cache, cfg.DefinitionCacheTTL, logger)
		if o.collector != nil {
			collector := o.collector
			cached.OnLookup(func(hit bool) {
				if hit {
					collector.RecordCacheHit("workflow")
				} else {
					collector.RecordCacheMiss("workflow")
				}
			})
		}
		defs = cached
	}

	reg := registry.New(store, logger, registryOpts...)
	c := &Coordinator{
		store:     store,
		machine:   machine,
		engine:    workflow.NewEngine(defs, store, machine, handoffs, logger),
		registry:  reg,
		scheduler: discovery.NewScheduler(store, store, logger, discovery.WithDefaultMaxTasks(cfg.DiscoveryDefaultMax)),
		handoffs:  handoffs,
		sweeper: registry.NewSweeper(reg, registry.SweeperConfig{
			Interval:   cfg.SweepInterval,
			Timeout:    cfg.HeartbeatTimeout,
			RunTimeout: cfg.SweepRunTimeout,
		}, logger),
		config:      cfg,
		collector:   o.collector,
		instruments: o.instruments,
		logger:      logger.With(zap.String("component", "coordinator")),
	}

	machine.OnTransition(c.onTransition)
	c.sweeper.OnSweep(c.onSweep)
	return c, nil
}

// =============================================================================
// 🔄 生命周期
// =============================================================================

// Start launches the background sweeper.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.sweeper.Start(ctx)
}

// Stop halts the background sweeper.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.sweeper.Stop(ctx)
}

// Close stops the sweeper and closes the store.
func (c *Coordinator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(c.sweeper.Stop(ctx), c.store.Close())
}

// Ping checks the store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// =============================================================================
// 📋 任务
// =============================================================================

// CreateTask creates a task in the created state. A zero confidence
// threshold takes the configured default.
func (c *Coordinator) CreateTask(ctx context.Context, t *types.Task) (*types.Task, error) {
	if t != nil && t.ConfidenceThreshold == 0 && c.config.DefaultConfidenceThreshold > 0 {
		copied := *t
		copied.ConfidenceThreshold = c.config.DefaultConfidenceThreshold
		t = &copied
	}
	code := ""
	if t != nil {
		code = t.Code
	}
	return observe(c, ctx, "create_task", func(ctx context.Context) (*types.Task, error) {
		return c.machine.Create(ctx, t)
	}, attribute.String("task.code", code))
}

// GetTask loads a task.
func (c *Coordinator) GetTask(ctx context.Context, code string) (*types.Task, error) {
	return c.machine.Get(ctx, code)
}

// ListTasks lists tasks matching filter.
func (c *Coordinator) ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]*types.Task, error) {
	return c.machine.List(ctx, filter)
}

// TaskEvents returns the audit trail of a task, oldest first.
func (c *Coordinator) TaskEvents(ctx context.Context, code string) ([]*types.TaskEvent, error) {
	return c.machine.Events(ctx, code)
}

// TransitionRequest asks for a task state change.
type TransitionRequest struct {
	Target types.TaskState `json:"target"`
	// Owner is required when entering an owned state without a current owner.
	Owner  string `json:"owner,omitempty"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

// Transition moves a task to req.Target. Entering quarantined counts as a
// failure.
func (c *Coordinator) Transition(ctx context.Context, code string, req TransitionRequest) (*types.Task, error) {
	return observe(c, ctx, "transition", func(ctx context.Context) (*types.Task, error) {
		snap, err := c.snapshot(ctx, code, req.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		if req.Target == types.TaskStateQuarantined {
			return c.machine.Quarantine(ctx, snap, req.Actor, req.Reason)
		}
		var opts []task.Option
		if req.Owner != "" {
			opts = append(opts, task.WithOwner(req.Owner))
		}
		if req.Actor != "" {
			opts = append(opts, task.WithActor(req.Actor))
		}
		if req.Reason != "" {
			opts = append(opts, task.WithReason(req.Reason))
		}
		return c.machine.Apply(ctx, snap, req.Target, opts...)
	}, attribute.String("task.code", code), attribute.String("task.target", string(req.Target)))
}

// ClaimTask moves a created task to in_progress owned by agent.
func (c *Coordinator) ClaimTask(ctx context.Context, code, agent string) (*types.Task, error) {
	return observe(c, ctx, "claim_task", func(ctx context.Context) (*types.Task, error) {
		snap, err := c.machine.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		return c.machine.Claim(ctx, snap, agent)
	}, attribute.String("task.code", code), attribute.String("agent.name", agent))
}

// QuarantineTask escalates a task for human review.
func (c *Coordinator) QuarantineTask(ctx context.Context, code, actor, reason string) (*types.Task, error) {
	return c.Transition(ctx, code, TransitionRequest{Target: types.TaskStateQuarantined, Actor: actor, Reason: reason})
}

// RecordFailure counts a failed attempt; the configured maximum quarantines
// the task.
func (c *Coordinator) RecordFailure(ctx context.Context, code, actor, reason string) (*types.Task, error) {
	return observe(c, ctx, "record_failure", func(ctx context.Context) (*types.Task, error) {
		snap, err := c.machine.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		return c.machine.RecordFailure(ctx, snap, actor, reason)
	}, attribute.String("task.code", code))
}

func (c *Coordinator) snapshot(ctx context.Context, code string, expected int64) (*types.Task, error) {
	snap, err := c.machine.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if expected != 0 && snap.Version != expected {
		return nil, types.NewConflictError("task", code).
			WithCause(fmt.Errorf("expected version %d, stored %d", expected, snap.Version))
	}
	return snap, nil
}

// =============================================================================
// 🧭 工作流
// =============================================================================

// RegisterWorkflow stores a new workflow definition.
func (c *Coordinator) RegisterWorkflow(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	id := ""
	if def != nil {
		id = def.ID
	}
	return observe(c, ctx, "register_workflow", func(ctx context.Context) (*types.WorkflowDefinition, error) {
		return c.engine.RegisterDefinition(ctx, def)
	}, attribute.String("workflow.id", id))
}

// GetWorkflow loads a workflow definition.
func (c *Coordinator) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return c.engine.Definition(ctx, id)
}

// StartWorkflow attaches a workflow to a task and positions it on the first
// step.
func (c *Coordinator) StartWorkflow(ctx context.Context, code, workflowID string) (*types.Task, error) {
	return observe(c, ctx, "start_workflow", func(ctx context.Context) (*types.Task, error) {
		snap, err := c.machine.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		return c.engine.Start(ctx, snap, workflowID)
	}, attribute.String("task.code", code), attribute.String("workflow.id", workflowID))
}

// AdvanceWorkflow submits the output of the current step. A rejected
// submission is a result, not an error.
func (c *Coordinator) AdvanceWorkflow(ctx context.Context, req workflow.AdvanceRequest) (workflow.AdvanceResult, error) {
	res, err := observe(c, ctx, "advance_workflow", func(ctx context.Context) (workflow.AdvanceResult, error) {
		return c.engine.Advance(ctx, req)
	}, attribute.String("task.code", req.TaskCode), attribute.String("agent.name", req.AgentName))
	if err != nil {
		return res, err
	}

	if c.collector != nil {
		c.collector.RecordAdvance(string(res.Kind))
	}
	if res.Kind == workflow.ResultAdvanced && res.Advanced != nil && res.Advanced.Handoff != nil {
		c.handoffCreated(ctx, res.Advanced.Handoff)
	}
	return res, nil
}

// WorkflowExecution returns the workflow progress of a task.
func (c *Coordinator) WorkflowExecution(ctx context.Context, code string) (*types.WorkflowExecution, error) {
	return c.engine.Execution(ctx, code)
}

// =============================================================================
// 🔍 工作发现
// =============================================================================

// Discover returns ranked tasks an agent may work on.
func (c *Coordinator) Discover(ctx context.Context, p discovery.Params) ([]*types.Task, error) {
	tasks, err := observe(c, ctx, "discover", func(ctx context.Context) ([]*types.Task, error) {
		return c.scheduler.Discover(ctx, p)
	}, attribute.String("agent.name", p.AgentName))
	if c.collector != nil {
		result := "found"
		switch {
		case err != nil:
			result = "error"
		case len(tasks) == 0:
			result = "empty"
		}
		c.collector.RecordDiscovery(result, len(tasks))
	}
	return tasks, err
}

// =============================================================================
// 🤖 Agent 注册表
// =============================================================================

// RegisterAgent registers a new agent.
func (c *Coordinator) RegisterAgent(ctx context.Context, profile *types.AgentProfile) (*types.AgentProfile, error) {
	name := ""
	if profile != nil {
		name = profile.Name
	}
	return observe(c, ctx, "register_agent", func(ctx context.Context) (*types.AgentProfile, error) {
		return c.registry.Register(ctx, profile)
	}, attribute.String("agent.name", name))
}

// GetAgent loads an agent profile.
func (c *Coordinator) GetAgent(ctx context.Context, name string) (*types.AgentProfile, error) {
	return c.registry.Get(ctx, name)
}

// ListAgents lists agents matching filter.
func (c *Coordinator) ListAgents(ctx context.Context, filter persistence.AgentFilter) ([]*types.AgentProfile, error) {
	return c.registry.List(ctx, filter)
}

// Heartbeat refreshes an agent's liveness, optionally reporting load and
// status.
func (c *Coordinator) Heartbeat(ctx context.Context, name string, load *int, status *types.AgentStatus) (*types.AgentProfile, error) {
	return observe(c, ctx, "heartbeat", func(ctx context.Context) (*types.AgentProfile, error) {
		return c.registry.Heartbeat(ctx, name, load, status)
	}, attribute.String("agent.name", name))
}

// UpdateLoad changes an agent's current load.
func (c *Coordinator) UpdateLoad(ctx context.Context, name string, u registry.LoadUpdate) (*types.AgentProfile, error) {
	return observe(c, ctx, "update_load", func(ctx context.Context) (*types.AgentProfile, error) {
		return c.registry.UpdateLoad(ctx, name, u)
	}, attribute.String("agent.name", name))
}

// UpdateReputation adds delta to an agent's reputation.
func (c *Coordinator) UpdateReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error) {
	return observe(c, ctx, "update_reputation", func(ctx context.Context) (*types.AgentProfile, error) {
		return c.registry.UpdateReputation(ctx, name, delta)
	}, attribute.String("agent.name", name))
}

// DeactivateAgent takes an agent offline.
func (c *Coordinator) DeactivateAgent(ctx context.Context, name string) (*types.AgentProfile, error) {
	return observe(c, ctx, "deactivate_agent", func(ctx context.Context) (*types.AgentProfile, error) {
		return c.registry.Deactivate(ctx, name)
	}, attribute.String("agent.name", name))
}

// FindAgents returns available agents holding capability, best first.
func (c *Coordinator) FindAgents(ctx context.Context, capability string, limit int) ([]*types.AgentProfile, error) {
	return c.registry.FindByCapability(ctx, capability, limit)
}

// SweepUnresponsive runs one unresponsive-agent sweep now.
func (c *Coordinator) SweepUnresponsive(ctx context.Context) []*types.AgentProfile {
	return c.sweeper.SweepOnce(ctx)
}

// =============================================================================
// 🤝 交接
// =============================================================================

// CreateHandoff builds and stores a handoff package; the task moves to
// pending_handoff.
func (c *Coordinator) CreateHandoff(ctx context.Context, req handoff.Request) (*types.HandoffPackage, error) {
	pkg, err := observe(c, ctx, "create_handoff", func(ctx context.Context) (*types.HandoffPackage, error) {
		return c.handoffs.Create(ctx, req)
	}, attribute.String("task.code", req.TaskCode), attribute.String("handoff.capability", req.ToCapability))
	if err == nil {
		c.handoffCreated(ctx, pkg)
	}
	return pkg, err
}

// AcceptHandoff atomically accepts a pending package on behalf of agent.
func (c *Coordinator) AcceptHandoff(ctx context.Context, id, agent string) (*handoff.Accepted, error) {
	accepted, err := observe(c, ctx, "accept_handoff", func(ctx context.Context) (*handoff.Accepted, error) {
		return c.handoffs.Accept(ctx, id, agent)
	}, attribute.String("handoff.id", id), attribute.String("agent.name", agent))
	if err == nil {
		capability := accepted.Handoff.ToCapability
		if c.collector != nil {
			c.collector.RecordHandoffAccepted(capability)
		}
		if c.instruments != nil {
			c.instruments.Handoff(ctx, "accepted", capability)
		}
	}
	return accepted, err
}

// GetHandoff loads a handoff package.
func (c *Coordinator) GetHandoff(ctx context.Context, id string) (*types.HandoffPackage, error) {
	return c.handoffs.Get(ctx, id)
}

// ListPendingHandoffs lists unaccepted packages for capability at or above
// minConfidence.
func (c *Coordinator) ListPendingHandoffs(ctx context.Context, capability string, minConfidence float64, limit int) ([]*types.HandoffPackage, error) {
	return c.handoffs.ListPending(ctx, capability, minConfidence, limit)
}

// TaskHandoffs lists every package of a task.
func (c *Coordinator) TaskHandoffs(ctx context.Context, code string) ([]*types.HandoffPackage, error) {
	return c.handoffs.ListForTask(ctx, code)
}

// StaleHandoffs lists pending packages older than the configured age.
func (c *Coordinator) StaleHandoffs(ctx context.Context) ([]*types.HandoffPackage, error) {
	return c.handoffs.Stale(ctx, c.config.StaleHandoffAfter)
}

func (c *Coordinator) handoffCreated(ctx context.Context, pkg *types.HandoffPackage) {
	if c.collector != nil {
		c.collector.RecordHandoffCreated(pkg.ToCapability)
	}
	if c.instruments != nil {
		c.instruments.Handoff(ctx, "created", pkg.ToCapability)
	}
}

// =============================================================================
// 📊 观测钩子
// =============================================================================

func (c *Coordinator) onTransition(ev types.TaskEvent) {
	if c.collector != nil {
		c.collector.RecordTaskTransition(string(ev.FromState), string(ev.ToState))
	}
	if c.instruments != nil {
		c.instruments.Transition(context.Background(), string(ev.FromState), string(ev.ToState))
	}
}

// onSweep refreshes the agent-status and stale-handoff gauges after every
// sweep.
func (c *Coordinator) onSweep(ctx context.Context, swept []*types.AgentProfile, err error) {
	if c.collector != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.collector.RecordSweep(status, len(swept))
	}

	stale, staleErr := c.handoffs.Stale(ctx, c.config.StaleHandoffAfter)
	if staleErr != nil {
		c.logger.Warn("stale handoff scan failed", zap.Error(staleErr))
	} else {
		for _, h := range stale {
			c.logger.Warn("handoff pending too long",
				zap.String("handoff", h.ID),
				zap.String("task", h.TaskCode),
				zap.String("capability", h.ToCapability),
				zap.Time("created_at", h.CreatedAt),
			)
		}
		if c.collector != nil {
			c.collector.SetStalePendingHandoffs(len(stale))
		}
	}

	if c.collector == nil {
		return
	}
	agents, listErr := c.registry.List(ctx, persistence.AgentFilter{})
	if listErr != nil {
		c.logger.Warn("agent status scan failed", zap.Error(listErr))
		return
	}
	counts := make(map[string]int)
	for _, a := range agents {
		counts[string(a.Status)]++
	}
	c.collector.SetAgentsByStatus(counts)
}

// observe runs fn inside a span and records its duration and outcome.
func observe[T any](c *Coordinator, ctx context.Context, op string, fn func(context.Context) (T, error), attrs ...attribute.KeyValue) (T, error) {
	start := time.Now()
	if c.instruments == nil {
		out, err := fn(ctx)
		c.record(op, err, time.Since(start))
		return out, err
	}

	spanCtx, span := c.instruments.Start(ctx, op, attrs...)
	out, err := fn(spanCtx)
	elapsed := time.Since(start)
	c.instruments.End(spanCtx, span, op, resultCode(err), err, elapsed)
	c.record(op, err, elapsed)
	return out, err
}

func (c *Coordinator) record(op string, err error, elapsed time.Duration) {
	if c.collector == nil {
		return
	}
	code := ""
	if err != nil {
		code = resultCode(err)
	}
	c.collector.RecordOperation(op, code, elapsed)
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	return string(types.ErrInternalError)
}
