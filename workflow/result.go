package workflow

import (
	"fmt"

	"github.com/janreges/axon-mcp-sub003/types"
)

// ResultKind tags which payload of an AdvanceResult is set.
type ResultKind string

const (
	ResultAdvanced         ResultKind = "advanced"
	ResultCompleted        ResultKind = "completed"
	ResultValidationFailed ResultKind = "validation_failed"
)

// FailureReason classifies a rejected advance.
type FailureReason string

const (
	// ReasonConfidenceOutOfRange means the score was outside [0, 1].
	ReasonConfidenceOutOfRange FailureReason = "confidence_out_of_range"
	// ReasonBelowThreshold means the score was below the task threshold.
	ReasonBelowThreshold FailureReason = "below_threshold"
)

// Advanced is returned when the task moved on to the next step.
type Advanced struct {
	NextStep      types.WorkflowStep    `json:"next_step"`
	Handoff       *types.HandoffPackage `json:"handoff"`
	CompletedStep types.CompletedStep   `json:"completed_step"`
	Task          *types.Task           `json:"task"`
}

// Completed is returned when the last step finished and the task is done.
type Completed struct {
	FinalOutput          string              `json:"final_output"`
	TotalDurationMinutes int                 `json:"total_duration_minutes"`
	CompletedStep        types.CompletedStep `json:"completed_step"`
	Task                 *types.Task         `json:"task"`
}

// ValidationFailed is returned when the submission was rejected. Nothing was
// written.
type ValidationFailed struct {
	Reason        FailureReason `json:"reason"`
	Message       string        `json:"message"`
	RequiredFixes []string      `json:"required_fixes,omitempty"`
}

// AdvanceResult is a tagged union: exactly one payload matches Kind.
type AdvanceResult struct {
	Kind             ResultKind        `json:"kind"`
	Advanced         *Advanced         `json:"advanced,omitempty"`
	Completed        *Completed        `json:"completed,omitempty"`
	ValidationFailed *ValidationFailed `json:"validation_failed,omitempty"`
}

func advancedResult(a *Advanced) AdvanceResult {
	return AdvanceResult{Kind: ResultAdvanced, Advanced: a}
}

func completedResult(c *Completed) AdvanceResult {
	return AdvanceResult{Kind: ResultCompleted, Completed: c}
}

func failedResult(reason FailureReason, message string, fixes []string) AdvanceResult {
	return AdvanceResult{Kind: ResultValidationFailed, ValidationFailed: &ValidationFailed{
		Reason:        reason,
		Message:       message,
		RequiredFixes: fixes,
	}}
}

// Switch dispatches to the handler matching Kind. Every handler must be
// supplied; a result whose payload does not match its Kind is an error.
func (r AdvanceResult) Switch(
	onAdvanced func(*Advanced) error,
	onCompleted func(*Completed) error,
	onFailed func(*ValidationFailed) error,
) error {
	switch {
	case r.Kind == ResultAdvanced && r.Advanced != nil:
		return onAdvanced(r.Advanced)
	case r.Kind == ResultCompleted && r.Completed != nil:
		return onCompleted(r.Completed)
	case r.Kind == ResultValidationFailed && r.ValidationFailed != nil:
		return onFailed(r.ValidationFailed)
	default:
		return fmt.Errorf("malformed advance result of kind %q", r.Kind)
	}
}
