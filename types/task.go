package types

import (
	"strings"
	"time"
)

// TaskState is the lifecycle state of a task. Values are persisted as
// stable snake_case tokens and must match the storage check constraints.
type TaskState string

const (
	// TaskStateCreated is a new task waiting to be claimed.
	TaskStateCreated TaskState = "created"
	// TaskStateInProgress is owned and actively worked on.
	TaskStateInProgress TaskState = "in_progress"
	// TaskStateBlocked is waiting on an external blocker.
	TaskStateBlocked TaskState = "blocked"
	// TaskStateReview is waiting for review.
	TaskStateReview TaskState = "review"
	// TaskStateDone is finished.
	TaskStateDone TaskState = "done"
	// TaskStateArchived is finished and hidden from active views.
	TaskStateArchived TaskState = "archived"
	// TaskStatePendingDecomposition is being split into subtasks.
	TaskStatePendingDecomposition TaskState = "pending_decomposition"
	// TaskStatePendingHandoff is waiting for the next capability to accept it.
	TaskStatePendingHandoff TaskState = "pending_handoff"
	// TaskStateQuarantined requires human review after repeated failure.
	TaskStateQuarantined TaskState = "quarantined"
	// TaskStateWaitingForDependency is blocked on another task.
	TaskStateWaitingForDependency TaskState = "waiting_for_dependency"
)

// DefaultConfidenceThreshold is applied when a task does not set its own.
const DefaultConfidenceThreshold = 0.7

// InUnitRange reports whether v is a finite number in [0, 1]. NaN and the
// infinities fall outside.
func InUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}

// AllTaskStates returns every task state.
func AllTaskStates() []TaskState {
	return []TaskState{
		TaskStateCreated,
		TaskStateInProgress,
		TaskStateBlocked,
		TaskStateReview,
		TaskStateDone,
		TaskStateArchived,
		TaskStatePendingDecomposition,
		TaskStatePendingHandoff,
		TaskStateQuarantined,
		TaskStateWaitingForDependency,
	}
}

// DefaultDiscoverableStates are the states work discovery considers when the
// caller does not specify any.
func DefaultDiscoverableStates() []TaskState {
	return []TaskState{
		TaskStateCreated,
		TaskStateInProgress,
		TaskStateReview,
		TaskStatePendingHandoff,
	}
}

// IsValid returns true if the state is one of the known states.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStateCreated, TaskStateInProgress, TaskStateBlocked, TaskStateReview,
		TaskStateDone, TaskStateArchived, TaskStatePendingDecomposition,
		TaskStatePendingHandoff, TaskStateQuarantined, TaskStateWaitingForDependency:
		return true
	default:
		return false
	}
}

// RequiresOwner reports whether a task in this state must have an owning agent.
func (s TaskState) RequiresOwner() bool {
	return s == TaskStateInProgress || s == TaskStateReview || s == TaskStatePendingHandoff
}

// String returns the persisted token.
func (s TaskState) String() string {
	return string(s)
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskState) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, NewValidationError("unknown task state %q", string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown tokens.
func (s *TaskState) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseTaskState parses a persisted token. Surrounding whitespace and case are
// ignored; anything else must match exactly.
func ParseTaskState(token string) (TaskState, error) {
	s := TaskState(strings.ToLower(strings.TrimSpace(token)))
	if !s.IsValid() {
		return "", NewValidationError("unknown task state %q", token)
	}
	return s, nil
}

// Task is a unit of work tracked by the coordinator.
type Task struct {
	Code                 string    `json:"code"`
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	State                TaskState `json:"state"`
	OwnerAgentName       string    `json:"owner_agent_name,omitempty"`
	Priority             int       `json:"priority"`
	FailureCount         int       `json:"failure_count"`
	ParentCode           string    `json:"parent_code,omitempty"`
	WorkflowID           string    `json:"workflow_id,omitempty"`
	WorkflowCursor       string    `json:"workflow_cursor,omitempty"`
	StepStartedAt        time.Time `json:"step_started_at,omitempty"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	PendingHandoffID     string    `json:"pending_handoff_id,omitempty"`
	ConfidenceThreshold  float64   `json:"confidence_threshold"`
	Version              int64     `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	StateChangedAt       time.Time `json:"state_changed_at"`
}

// Threshold returns the effective confidence threshold.
func (t *Task) Threshold() float64 {
	if t.ConfidenceThreshold <= 0 {
		return DefaultConfidenceThreshold
	}
	return t.ConfidenceThreshold
}

// HasWorkflow reports whether the task is positioned inside a workflow.
func (t *Task) HasWorkflow() bool {
	return t.WorkflowID != "" && t.WorkflowCursor != ""
}

// MatchesCapabilities reports whether an agent with caps may work on the task.
// A task that declares no capabilities matches everyone.
func (t *Task) MatchesCapabilities(caps []string) bool {
	if len(t.RequiredCapabilities) == 0 {
		return true
	}
	for _, want := range t.RequiredCapabilities {
		for _, have := range caps {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.RequiredCapabilities = cloneStrings(t.RequiredCapabilities)
	return &c
}

// Validate checks a task record before it is created.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Code) == "" {
		return NewValidationError("task code is required")
	}
	if !t.State.IsValid() {
		return NewValidationError("unknown task state %q", string(t.State))
	}
	if !InUnitRange(t.ConfidenceThreshold) {
		return NewValidationError("confidence threshold %.2f is outside [0, 1]", t.ConfidenceThreshold)
	}
	if t.FailureCount < 0 {
		return NewValidationError("failure count cannot be negative")
	}
	for _, c := range t.RequiredCapabilities {
		if !IsValidCapability(c) {
			return NewValidationError("invalid capability token %q", c)
		}
	}
	if t.State.RequiresOwner() && t.OwnerAgentName == "" {
		return NewValidationError("state %s requires an owner", t.State)
	}
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
