// Package persistence provides the durable storage contract of the
// coordination core and its backends.
//
// Every mutation that the core needs to be atomic is expressed as one store
// call: a task write conditioned on the version the caller read, together
// with the audit event, completed workflow step and handoff records that
// belong to it. Agent counters are updated with single conditional writes.
//
// Supported backends:
// - Memory: For development and testing (default)
// - SQL: GORM over PostgreSQL, MySQL or SQLite
// - Redis: JSON documents with Lua compare-and-swap
package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/janreges/axon-mcp-sub003/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("version conflict")
	ErrOutOfBounds   = errors.New("value out of bounds")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// AutoMigrate creates the SQL tables from the GORM models instead of
	// relying on the migration files. Intended for tests and local runs.
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`

	// MaxUpdateRetries bounds the read-modify-write loop of UpdateAgent.
	MaxUpdateRetries int `json:"max_update_retries" yaml:"max_update_retries"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:             StoreTypeMemory,
		KeyPrefix:        "axon:",
		MaxUpdateRetries: 5,
	}
}

// TaskFilter defines filter criteria for listing tasks
type TaskFilter struct {
	States     []types.TaskState
	Owner      string
	WorkflowID string
	ParentCode string
	Limit      int
	Offset     int
}

// CandidateQuery selects tasks for work discovery. Results are ordered by
// priority desc, failure count asc, creation time asc, code asc.
type CandidateQuery struct {
	States       []types.TaskState
	Capabilities []string
	ExcludeCodes []string
	MinPriority  *int
	Limit        int
}

// AgentFilter defines filter criteria for listing agents
type AgentFilter struct {
	Statuses   []types.AgentStatus
	Capability string
	Limit      int
}

// HandoffFilter defines filter criteria for listing handoffs
type HandoffFilter struct {
	TaskCode     string
	ToCapability string
	PendingOnly  bool
	Limit        int
}

// HandoffAcceptance marks an existing handoff as accepted.
type HandoffAcceptance struct {
	HandoffID  string
	AgentName  string
	AcceptedAt time.Time
}

// TaskUpdate is one atomic write. Task replaces the stored record only if the
// stored version still equals ExpectedVersion; Task.Version must be
// ExpectedVersion+1. The optional records are written in the same unit or not
// at all.
type TaskUpdate struct {
	Task            *types.Task
	ExpectedVersion int64
	Events          []*types.TaskEvent
	CompletedStep   *types.CompletedStep
	NewHandoff      *types.HandoffPackage
	AcceptHandoff   *HandoffAcceptance
}

// Validate checks the structural consistency of the update.
func (u *TaskUpdate) Validate() error {
	if u == nil || u.Task == nil || u.Task.Code == "" {
		return ErrInvalidInput
	}
	if u.Task.Version != u.ExpectedVersion+1 {
		return ErrInvalidInput
	}
	for _, ev := range u.Events {
		if ev == nil || ev.TaskCode != u.Task.Code {
			return ErrInvalidInput
		}
	}
	if u.CompletedStep != nil && u.CompletedStep.TaskCode != u.Task.Code {
		return ErrInvalidInput
	}
	if u.NewHandoff != nil && (u.NewHandoff.ID == "" || u.NewHandoff.TaskCode != u.Task.Code) {
		return ErrInvalidInput
	}
	if u.AcceptHandoff != nil && (u.AcceptHandoff.HandoffID == "" || u.AcceptHandoff.AgentName == "") {
		return ErrInvalidInput
	}
	return nil
}

// TaskStore is the task half of the storage contract.
type TaskStore interface {
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, code string) (*types.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)
	CandidateTasks(ctx context.Context, query CandidateQuery) ([]*types.Task, error)
	ApplyTaskUpdate(ctx context.Context, update TaskUpdate) error
	ListTaskEvents(ctx context.Context, code string) ([]*types.TaskEvent, error)
}

// WorkflowStore stores immutable workflow definitions and completed steps.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, def *types.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error)
	ListCompletedSteps(ctx context.Context, taskCode string) ([]*types.CompletedStep, error)
}

// HandoffStore stores handoff packages.
type HandoffStore interface {
	CreateHandoff(ctx context.Context, h *types.HandoffPackage) error
	GetHandoff(ctx context.Context, id string) (*types.HandoffPackage, error)
	ListHandoffs(ctx context.Context, filter HandoffFilter) ([]*types.HandoffPackage, error)
}

// AgentStore stores agent profiles. The Adjust* and Mark* methods are single
// atomic conditional writes.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *types.AgentProfile) error
	GetAgent(ctx context.Context, name string) (*types.AgentProfile, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*types.AgentProfile, error)
	// UpdateAgent applies fn to the current profile and writes it back only
	// if nobody else wrote in between.
	UpdateAgent(ctx context.Context, name string, fn func(*types.AgentProfile) error) (*types.AgentProfile, error)
	// AdjustAgentLoad adds delta to the load, or sets it when absolute is
	// non-nil. Results outside [0, max_concurrent_tasks] fail ErrOutOfBounds.
	AdjustAgentLoad(ctx context.Context, name string, delta int, absolute *int) (*types.AgentProfile, error)
	// AdjustAgentReputation adds delta and clamps the result to [0, 1].
	AdjustAgentReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error)
	// MarkAgentUnresponsive flips an active or idle agent whose heartbeat is
	// older than staleBefore. It reports whether the agent was changed.
	MarkAgentUnresponsive(ctx context.Context, name string, staleBefore time.Time) (bool, error)
}

// Store is the complete storage contract consumed by the coordination core.
type Store interface {
	TaskStore
	WorkflowStore
	HandoffStore
	AgentStore

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// ============================================================
// 各后端共享的过滤与排序逻辑
// ============================================================

func containsState(states []types.TaskState, s types.TaskState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func matchesTaskFilter(t *types.Task, f TaskFilter) bool {
	if len(f.States) > 0 && !containsState(f.States, t.State) {
		return false
	}
	if f.Owner != "" && t.OwnerAgentName != f.Owner {
		return false
	}
	if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
		return false
	}
	if f.ParentCode != "" && t.ParentCode != f.ParentCode {
		return false
	}
	return true
}

func matchesCandidate(t *types.Task, q CandidateQuery) bool {
	if len(q.States) > 0 && !containsState(q.States, t.State) {
		return false
	}
	if q.MinPriority != nil && t.Priority < *q.MinPriority {
		return false
	}
	if containsString(q.ExcludeCodes, t.Code) {
		return false
	}
	if len(q.Capabilities) > 0 && !t.MatchesCapabilities(q.Capabilities) {
		return false
	}
	return true
}

// SortCandidates orders tasks for work discovery.
func SortCandidates(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Code < b.Code
	})
}

func sortTasksByCreation(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].Code < tasks[j].Code
	})
}

func matchesAgentFilter(a *types.AgentProfile, f AgentFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}

func matchesHandoffFilter(h *types.HandoffPackage, f HandoffFilter) bool {
	if f.TaskCode != "" && h.TaskCode != f.TaskCode {
		return false
	}
	if f.ToCapability != "" && h.ToCapability != f.ToCapability {
		return false
	}
	if f.PendingOnly && h.IsAccepted() {
		return false
	}
	return true
}

func sortHandoffs(list []*types.HandoffPackage) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func sortCompletedSteps(list []*types.CompletedStep) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CompletedAt.Before(list[j].CompletedAt)
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// applyLoad computes the new load of an agent or fails ErrOutOfBounds.
func applyLoad(a *types.AgentProfile, delta int, absolute *int) (int, error) {
	next := a.CurrentLoad + delta
	if absolute != nil {
		next = *absolute
	}
	if next < 0 || next > a.MaxConcurrentTasks {
		return 0, ErrOutOfBounds
	}
	return next, nil
}

func clampReputation(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isStale(a *types.AgentProfile, staleBefore time.Time) bool {
	return (a.Status == types.AgentStatusActive || a.Status == types.AgentStatusIdle) &&
		a.LastHeartbeat.Before(staleBefore)
}

func sortAgentsByName(list []*types.AgentProfile) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}
