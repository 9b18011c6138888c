package types

import (
	"encoding/json"
	"strings"
	"time"
)

// WorkflowStep is one ordered step of a workflow definition.
type WorkflowStep struct {
	ID                       string   `json:"id"`
	Name                     string   `json:"name"`
	RequiredCapability       string   `json:"required_capability"`
	EstimatedDurationMinutes *int     `json:"estimated_duration_minutes,omitempty"`
	ExitConditions           []string `json:"exit_conditions,omitempty"`
	ValidationRules          []string `json:"validation_rules,omitempty"`
	HandoffTemplate          string   `json:"handoff_template,omitempty"`
}

// Checklist returns exit conditions followed by validation rules. The entries
// are free-form text and are never evaluated.
func (s *WorkflowStep) Checklist() []string {
	out := make([]string, 0, len(s.ExitConditions)+len(s.ValidationRules))
	out = append(out, s.ExitConditions...)
	return append(out, s.ValidationRules...)
}

// WorkflowDefinition is an ordered sequence of steps. Definitions are
// immutable once stored; changing one means registering a new id.
type WorkflowDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Steps       []WorkflowStep  `json:"steps"`
	Transitions json.RawMessage `json:"transitions,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	IsTemplate  bool            `json:"is_template"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FirstStep returns the first step of the definition.
func (d *WorkflowDefinition) FirstStep() (*WorkflowStep, bool) {
	if len(d.Steps) == 0 {
		return nil, false
	}
	return &d.Steps[0], true
}

// FindStep returns the step with the given id.
func (d *WorkflowDefinition) FindStep(id string) (*WorkflowStep, bool) {
	i := d.indexOf(id)
	if i < 0 {
		return nil, false
	}
	return &d.Steps[i], true
}

// NextStep returns the step right after currentID. It returns false when
// currentID is the last step or is not part of the definition.
func (d *WorkflowDefinition) NextStep(currentID string) (*WorkflowStep, bool) {
	i := d.indexOf(currentID)
	if i < 0 || i+1 >= len(d.Steps) {
		return nil, false
	}
	return &d.Steps[i+1], true
}

// IsLastStep reports whether id is the final step.
func (d *WorkflowDefinition) IsLastStep(id string) bool {
	return len(d.Steps) > 0 && d.Steps[len(d.Steps)-1].ID == id
}

func (d *WorkflowDefinition) indexOf(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Validate fails on an empty step list, empty or duplicate step ids and
// malformed capability tokens.
func (d *WorkflowDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return NewValidationError("workflow id is required")
	}
	if len(d.Steps) == 0 {
		return NewValidationError("workflow %q has no steps", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return NewValidationError("workflow %q step %d has no id", d.ID, i)
		}
		if _, dup := seen[s.ID]; dup {
			return NewValidationError("workflow %q has duplicate step id %q", d.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
		if !IsValidCapability(s.RequiredCapability) {
			return NewValidationError("step %q has invalid capability %q", s.ID, s.RequiredCapability)
		}
		if s.EstimatedDurationMinutes != nil && *s.EstimatedDurationMinutes < 0 {
			return NewValidationError("step %q has a negative duration estimate", s.ID)
		}
	}
	if len(d.Transitions) > 0 && !json.Valid(d.Transitions) {
		return NewValidationError("workflow %q transitions must be valid JSON", d.ID)
	}
	return nil
}

// CompletedStep records one finished workflow step of a task.
type CompletedStep struct {
	TaskCode        string    `json:"task_code"`
	StepID          string    `json:"step_id"`
	AgentName       string    `json:"agent_name"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationMinutes int       `json:"duration_minutes"`
	OutputSummary   string    `json:"output_summary"`
	ConfidenceScore float64   `json:"confidence_score"`
}

// WorkflowExecution is the progress of one task through its workflow.
type WorkflowExecution struct {
	TaskCode       string          `json:"task_code"`
	WorkflowID     string          `json:"workflow_id"`
	CurrentStepID  string          `json:"current_step_id,omitempty"`
	CompletedSteps []CompletedStep `json:"completed_steps"`
}

// TotalDurationMinutes sums the durations of all completed steps.
func (e *WorkflowExecution) TotalDurationMinutes() int {
	total := 0
	for _, s := range e.CompletedSteps {
		total += s.DurationMinutes
	}
	return total
}

// HasCompleted reports whether stepID already appears in the execution.
func (e *WorkflowExecution) HasCompleted(stepID string) bool {
	for _, s := range e.CompletedSteps {
		if s.StepID == stepID {
			return true
		}
	}
	return false
}
