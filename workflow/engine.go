package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/handoff"
	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/task"
	"github.com/janreges/axon-mcp-sub003/types"
)

// StepStore lists the completed steps of a task.
type StepStore interface {
	ListCompletedSteps(ctx context.Context, taskCode string) ([]*types.CompletedStep, error)
}

// HandoffBuilder builds the package emitted when a step completes.
type HandoffBuilder interface {
	Build(req handoff.Request) (*types.HandoffPackage, error)
}

// AdvanceRequest is an agent's submission for the current step of a task.
type AdvanceRequest struct {
	TaskCode               string          `json:"task_code"`
	AgentName              string          `json:"agent_name"`
	OutputSummary          string          `json:"output_summary"`
	ConfidenceScore        float64         `json:"confidence_score"`
	DurationMinutes        *int            `json:"duration_minutes,omitempty"`
	Artifacts              json.RawMessage `json:"artifacts,omitempty"`
	KnownLimitations       []string        `json:"known_limitations,omitempty"`
	NextSteps              []string        `json:"next_steps,omitempty"`
	BlockersResolved       []string        `json:"blockers_resolved,omitempty"`
	EstimatedEffortMinutes *int            `json:"estimated_effort_minutes,omitempty"`
}

// Engine drives tasks through ordered workflow definitions.
type Engine struct {
	defs     Definitions
	steps    StepStore
	machine  *task.Machine
	handoffs HandoffBuilder
	logger   *zap.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(defs Definitions, steps StepStore, machine *task.Machine, handoffs HandoffBuilder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		defs:     defs,
		steps:    steps,
		machine:  machine,
		handoffs: handoffs,
		logger:   logger.With(zap.String("component", "workflow_engine")),
	}
}

// RegisterDefinition validates and stores a new definition. Capability
// tokens are normalized first. A taken id fails with AlreadyExists.
func (e *Engine) RegisterDefinition(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if def == nil {
		return nil, types.NewValidationError("workflow definition is required")
	}
	stored := *def
	stored.ID = strings.TrimSpace(def.ID)
	stored.Steps = make([]types.WorkflowStep, len(def.Steps))
	for i, s := range def.Steps {
		s.RequiredCapability = types.NormalizeCapability(s.RequiredCapability)
		stored.Steps[i] = s
	}
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	stored.CreatedAt = e.machine.Now()
	if err := e.defs.Create(ctx, &stored); err != nil {
		return nil, err
	}
	e.logger.Info("workflow registered",
		zap.String("workflow", stored.ID),
		zap.Int("steps", len(stored.Steps)),
	)
	return &stored, nil
}

// Definition loads a definition by id.
func (e *Engine) Definition(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return e.defs.Get(ctx, id)
}

// Start attaches a workflow to a task that has none and positions it on the
// first step. The task state is not changed.
func (e *Engine) Start(ctx context.Context, snapshot *types.Task, workflowID string) (*types.Task, error) {
	if snapshot == nil {
		return nil, types.NewValidationError("task snapshot is required")
	}
	if snapshot.WorkflowID != "" {
		return nil, types.NewAlreadyExistsError("workflow of task", snapshot.Code)
	}
	switch snapshot.State {
	case types.TaskStateDone, types.TaskStateArchived, types.TaskStateQuarantined:
		return nil, types.NewValidationError("cannot start a workflow on a %s task", snapshot.State)
	}
	def, err := e.defs.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	first, ok := def.FirstStep()
	if !ok {
		return nil, types.NewValidationError("workflow %q has no steps", workflowID)
	}

	now := e.machine.Now()
	next := snapshot.Clone()
	next.WorkflowID = def.ID
	next.WorkflowCursor = first.ID
	next.StepStartedAt = now
	next.RequiredCapabilities = []string{first.RequiredCapability}
	next.Version = snapshot.Version + 1
	next.UpdatedAt = now
	if err := e.machine.Commit(ctx, persistence.TaskUpdate{Task: next, ExpectedVersion: snapshot.Version}); err != nil {
		return nil, err
	}
	e.logger.Info("workflow started",
		zap.String("task", next.Code),
		zap.String("workflow", def.ID),
		zap.String("step", first.ID),
	)
	return next, nil
}

// Advance submits the output of the current step.
//
// A confidence outside [0, 1] or below the task threshold yields a
// ValidationFailed result and writes nothing. On the last step the task is
// completed; otherwise the cursor moves on, a handoff package for the next
// step's capability is created and the task waits in pending_handoff. Both
// success paths are a single conditional write on the task version.
func (e *Engine) Advance(ctx context.Context, req AdvanceRequest) (AdvanceResult, error) {
	if !types.IsValidAgentName(req.AgentName) {
		return AdvanceResult{}, types.NewValidationError("agent name %q must be kebab-case", req.AgentName)
	}
	t, err := e.machine.Get(ctx, req.TaskCode)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !t.HasWorkflow() {
		return AdvanceResult{}, types.Errorf(types.ErrNotFound, "task %q has no active workflow", t.Code)
	}
	def, err := e.defs.Get(ctx, t.WorkflowID)
	if err != nil {
		return AdvanceResult{}, err
	}
	step, ok := def.FindStep(t.WorkflowCursor)
	if !ok {
		return AdvanceResult{}, types.Errorf(types.ErrNotFound,
			"step %q not found in workflow %q", t.WorkflowCursor, def.ID)
	}

	if t.State != types.TaskStateInProgress {
		return AdvanceResult{}, types.Errorf(types.ErrInvalidStateTransition,
			"task %q is %s, advance requires in_progress", t.Code, t.State)
	}
	if t.OwnerAgentName != req.AgentName {
		return AdvanceResult{}, types.NewValidationError("task %q is owned by %q", t.Code, t.OwnerAgentName)
	}

	if !types.InUnitRange(req.ConfidenceScore) {
		return failedResult(ReasonConfidenceOutOfRange,
			fmt.Sprintf("confidence %.2f is outside [0, 1]", req.ConfidenceScore), nil), nil
	}
	if threshold := t.Threshold(); req.ConfidenceScore < threshold {
		return failedResult(ReasonBelowThreshold,
			fmt.Sprintf("confidence %.2f is below the required %.2f for step %q", req.ConfidenceScore, threshold, step.ID),
			step.Checklist()), nil
	}

	completed, err := e.completedStep(t, step, req)
	if err != nil {
		return AdvanceResult{}, err
	}

	if def.IsLastStep(step.ID) {
		return e.complete(ctx, t, completed, req)
	}
	nextStep, _ := def.NextStep(step.ID)
	return e.advance(ctx, t, step, nextStep, completed, req)
}

func (e *Engine) completedStep(t *types.Task, step *types.WorkflowStep, req AdvanceRequest) (types.CompletedStep, error) {
	now := e.machine.Now()
	duration := 0
	switch {
	case req.DurationMinutes != nil:
		if *req.DurationMinutes < 0 {
			return types.CompletedStep{}, types.NewValidationError("duration cannot be negative")
		}
		duration = *req.DurationMinutes
	case !t.StepStartedAt.IsZero() && now.After(t.StepStartedAt):
		duration = int(now.Sub(t.StepStartedAt).Minutes())
	}
	started := t.StepStartedAt
	if started.IsZero() {
		started = now
	}
	return types.CompletedStep{
		TaskCode:        t.Code,
		StepID:          step.ID,
		AgentName:       req.AgentName,
		StartedAt:       started,
		CompletedAt:     now,
		DurationMinutes: duration,
		OutputSummary:   req.OutputSummary,
		ConfidenceScore: req.ConfidenceScore,
	}, nil
}

func (e *Engine) complete(ctx context.Context, t *types.Task, step types.CompletedStep, req AdvanceRequest) (AdvanceResult, error) {
	previous, err := e.steps.ListCompletedSteps(ctx, t.Code)
	if err != nil {
		return AdvanceResult{}, persistence.ToDomainError(err, "task", t.Code)
	}
	total := step.DurationMinutes
	for _, s := range previous {
		total += s.DurationMinutes
	}

	// 最后一步：in_progress → review → done，一次写入
	next, events, err := e.machine.PreparePath(t,
		[]types.TaskState{types.TaskStateReview, types.TaskStateDone},
		task.WithActor(req.AgentName), task.WithReason("workflow completed"))
	if err != nil {
		return AdvanceResult{}, err
	}
	next.WorkflowCursor = ""
	if err := e.machine.Commit(ctx, persistence.TaskUpdate{
		Task:            next,
		ExpectedVersion: t.Version,
		Events:          events,
		CompletedStep:   &step,
	}); err != nil {
		return AdvanceResult{}, err
	}

	e.logger.Info("workflow completed",
		zap.String("task", t.Code),
		zap.String("workflow", t.WorkflowID),
		zap.Int("total_duration_minutes", total),
	)
	return completedResult(&Completed{
		FinalOutput:          req.OutputSummary,
		TotalDurationMinutes: total,
		CompletedStep:        step,
		Task:                 next,
	}), nil
}

func (e *Engine) advance(ctx context.Context, t *types.Task, step, nextStep *types.WorkflowStep, completed types.CompletedStep, req AdvanceRequest) (AdvanceResult, error) {
	summary := req.OutputSummary
	if summary == "" {
		summary = step.HandoffTemplate
	}
	nextSteps := req.NextSteps
	if len(nextSteps) == 0 {
		nextSteps = nextStep.Checklist()
	}
	effort := req.EstimatedEffortMinutes
	if effort == nil {
		effort = nextStep.EstimatedDurationMinutes
	}
	pkg, err := e.handoffs.Build(handoff.Request{
		TaskCode:               t.Code,
		FromAgentName:          req.AgentName,
		ToCapability:           nextStep.RequiredCapability,
		Summary:                summary,
		ConfidenceScore:        req.ConfidenceScore,
		Artifacts:              req.Artifacts,
		KnownLimitations:       req.KnownLimitations,
		NextSteps:              nextSteps,
		BlockersResolved:       req.BlockersResolved,
		EstimatedEffortMinutes: effort,
	})
	if err != nil {
		return AdvanceResult{}, err
	}

	next, events, err := e.machine.Prepare(t, types.TaskStatePendingHandoff,
		task.WithActor(req.AgentName), task.WithReason("step "+step.ID+" completed"))
	if err != nil {
		return AdvanceResult{}, err
	}
	next.WorkflowCursor = nextStep.ID
	next.RequiredCapabilities = []string{nextStep.RequiredCapability}
	next.PendingHandoffID = pkg.ID
	if err := e.machine.Commit(ctx, persistence.TaskUpdate{
		Task:            next,
		ExpectedVersion: t.Version,
		Events:          events,
		CompletedStep:   &completed,
		NewHandoff:      pkg,
	}); err != nil {
		return AdvanceResult{}, err
	}

	e.logger.Info("workflow advanced",
		zap.String("task", t.Code),
		zap.String("from_step", step.ID),
		zap.String("to_step", nextStep.ID),
		zap.String("handoff", pkg.ID),
	)
	return advancedResult(&Advanced{
		NextStep:      *nextStep,
		Handoff:       pkg,
		CompletedStep: completed,
		Task:          next,
	}), nil
}

// Execution returns the workflow progress of a task.
func (e *Engine) Execution(ctx context.Context, code string) (*types.WorkflowExecution, error) {
	t, err := e.machine.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if t.WorkflowID == "" {
		return nil, types.Errorf(types.ErrNotFound, "task %q has no workflow", code)
	}
	steps, err := e.steps.ListCompletedSteps(ctx, code)
	if err != nil {
		return nil, persistence.ToDomainError(err, "task", code)
	}
	exec := &types.WorkflowExecution{
		TaskCode:       t.Code,
		WorkflowID:     t.WorkflowID,
		CurrentStepID:  t.WorkflowCursor,
		CompletedSteps: make([]types.CompletedStep, 0, len(steps)),
	}
	for _, s := range steps {
		exec.CompletedSteps = append(exec.CompletedSteps, *s)
	}
	return exec, nil
}
