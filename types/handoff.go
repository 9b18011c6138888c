package types

import (
	"encoding/json"
	"time"
)

// HandoffPackage transfers a task from one agent to the next required
// capability. It is immutable once accepted.
type HandoffPackage struct {
	ID                     string          `json:"id"`
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
	CreatedAt              time.Time       `json:"created_at"`
	AcceptedAt             *time.Time      `json:"accepted_at,omitempty"`
	AcceptedBy             string          `json:"accepted_by,omitempty"`
}

// IsAccepted is true iff both acceptance fields are set.
func (h *HandoffPackage) IsAccepted() bool {
	return h.AcceptedAt != nil && h.AcceptedBy != ""
}

// MeetsConfidenceThreshold reports whether the package is confident enough
// to be offered for assignment.
func (h *HandoffPackage) MeetsConfidenceThreshold(threshold float64) bool {
	return h.ConfidenceScore >= threshold
}

// Clone returns a deep copy.
func (h *HandoffPackage) Clone() *HandoffPackage {
	if h == nil {
		return nil
	}
	c := *h
	if h.Artifacts != nil {
		c.Artifacts = append(json.RawMessage(nil), h.Artifacts...)
	}
	c.KnownLimitations = cloneStrings(h.KnownLimitations)
	c.NextSteps = cloneStrings(h.NextSteps)
	c.BlockersResolved = cloneStrings(h.BlockersResolved)
	if h.EstimatedEffortMinutes != nil {
		v := *h.EstimatedEffortMinutes
		c.EstimatedEffortMinutes = &v
	}
	if h.AcceptedAt != nil {
		v := *h.AcceptedAt
		c.AcceptedAt = &v
	}
	return &c
}

// TaskEvent is the audit record written with every task state change.
type TaskEvent struct {
	ID         int64     `json:"id"`
	TaskCode   string    `json:"task_code"`
	FromState  TaskState `json:"from_state"`
	ToState    TaskState `json:"to_state"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
