package types

import (
	"encoding/json"
	"strings"
	"time"
)

// AgentStatus is the liveness/availability status of an agent.
type AgentStatus string

const (
	// AgentStatusIdle is registered and waiting for work.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusActive is working on at least one task.
	AgentStatusActive AgentStatus = "active"
	// AgentStatusBlocked cannot make progress.
	AgentStatusBlocked AgentStatus = "blocked"
	// AgentStatusUnresponsive missed its heartbeat window.
	AgentStatusUnresponsive AgentStatus = "unresponsive"
	// AgentStatusOffline was deactivated.
	AgentStatusOffline AgentStatus = "offline"
)

// DefaultReputation is assigned to newly registered agents.
const DefaultReputation = 0.5

// IsValid returns true if the status is known.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusActive, AgentStatusBlocked, AgentStatusUnresponsive, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// IsAvailable reports whether agents in this status may be offered work.
func (s AgentStatus) IsAvailable() bool {
	return s == AgentStatusIdle || s == AgentStatusActive || s == AgentStatusBlocked
}

// String returns the persisted token.
func (s AgentStatus) String() string {
	return string(s)
}

// MarshalText implements encoding.TextMarshaler.
func (s AgentStatus) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, NewValidationError("unknown agent status %q", string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown tokens.
func (s *AgentStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseAgentStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseAgentStatus parses a persisted token.
func ParseAgentStatus(token string) (AgentStatus, error) {
	s := AgentStatus(strings.ToLower(strings.TrimSpace(token)))
	if !s.IsValid() {
		return "", NewValidationError("unknown agent status %q", token)
	}
	return s, nil
}

// AgentProfile is the identity and coordination metadata of an agent.
type AgentProfile struct {
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	Capabilities       []string        `json:"capabilities"`
	Specializations    []string        `json:"specializations,omitempty"`
	MaxConcurrentTasks int             `json:"max_concurrent_tasks"`
	CurrentLoad        int             `json:"current_load"`
	Status             AgentStatus     `json:"status"`
	LastHeartbeat      time.Time       `json:"last_heartbeat"`
	ReputationScore    float64         `json:"reputation_score"`
	Preferences        json.RawMessage `json:"preferences,omitempty"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// LoadPercentage returns current load as a percentage of capacity, 0 when the
// agent has no capacity at all.
func (a *AgentProfile) LoadPercentage() float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 0
	}
	return float64(a.CurrentLoad) / float64(a.MaxConcurrentTasks) * 100
}

// AtCapacity reports whether the agent cannot take another task.
func (a *AgentProfile) AtCapacity() bool {
	return a.CurrentLoad >= a.MaxConcurrentTasks
}

// HasCapability reports whether the agent declares capability c.
func (a *AgentProfile) HasCapability(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (a *AgentProfile) Clone() *AgentProfile {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = cloneStrings(a.Capabilities)
	c.Specializations = cloneStrings(a.Specializations)
	if a.Preferences != nil {
		c.Preferences = append(json.RawMessage(nil), a.Preferences...)
	}
	return &c
}

// Validate checks a profile before registration.
func (a *AgentProfile) Validate() error {
	if !IsValidAgentName(a.Name) {
		return NewValidationError("agent name %q must be kebab-case", a.Name)
	}
	if a.MaxConcurrentTasks < 0 {
		return NewValidationError("max_concurrent_tasks cannot be negative")
	}
	if a.CurrentLoad < 0 || a.CurrentLoad > a.MaxConcurrentTasks {
		return NewValidationError("current_load %d is outside [0, %d]", a.CurrentLoad, a.MaxConcurrentTasks)
	}
	if !InUnitRange(a.ReputationScore) {
		return NewValidationError("reputation %.2f is outside [0, 1]", a.ReputationScore)
	}
	if a.Status != "" && !a.Status.IsValid() {
		return NewValidationError("unknown agent status %q", string(a.Status))
	}
	for _, c := range a.Capabilities {
		if !IsValidCapability(c) {
			return NewValidationError("invalid capability token %q", c)
		}
	}
	if len(a.Preferences) > 0 && !json.Valid(a.Preferences) {
		return NewValidationError("preferences must be valid JSON")
	}
	return nil
}
