package persistence

import (
	"encoding/json"
	"time"

	"github.com/janreges/axon-mcp-sub003/types"
)

// ============================================================
// GORM 表模型（与 internal/migration 中的 SQL 结构保持一致）
// ============================================================

// taskModel 任务表
type taskModel struct {
	Code                 string     `gorm:"primaryKey;size:128"`
	Name                 string     `gorm:"size:255;not null;default:''"`
	Description          string     `gorm:"type:text"`
	State                string     `gorm:"size:32;not null;index:idx_axon_tasks_state_priority,priority:1"`
	OwnerAgentName       string     `gorm:"size:128;not null;default:'';index:idx_axon_tasks_owner"`
	Priority             int        `gorm:"not null;default:0;index:idx_axon_tasks_state_priority,priority:2"`
	FailureCount         int        `gorm:"not null;default:0"`
	ParentCode           string     `gorm:"size:128;not null;default:''"`
	WorkflowID           string     `gorm:"size:128;not null;default:''"`
	WorkflowCursor       string     `gorm:"size:128;not null;default:''"`
	StepStartedAt        *time.Time `gorm:"column:step_started_at"`
	RequiredCapabilities string     `gorm:"type:text"` // JSON 数组
	PendingHandoffID     string     `gorm:"size:64;not null;default:''"`
	ConfidenceThreshold  float64    `gorm:"not null;default:0"`
	Version              int64      `gorm:"not null;default:0"`
	CreatedAt            time.Time  `gorm:"not null"`
	UpdatedAt            time.Time  `gorm:"not null"`
	StateChangedAt       time.Time  `gorm:"not null"`
}

func (taskModel) TableName() string {
	return "axon_tasks"
}

// taskEventModel 任务审计事件表
type taskEventModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	TaskCode   string    `gorm:"size:128;not null;index:idx_axon_task_events_task"`
	FromState  string    `gorm:"size:32;not null"`
	ToState    string    `gorm:"size:32;not null"`
	Actor      string    `gorm:"size:128;not null;default:''"`
	Reason     string    `gorm:"type:text"`
	OccurredAt time.Time `gorm:"not null"`
}

func (taskEventModel) TableName() string {
	return "axon_task_events"
}

// agentModel Agent 档案表
type agentModel struct {
	Name               string    `gorm:"primaryKey;size:128"`
	Description        string    `gorm:"type:text"`
	Capabilities       string    `gorm:"type:text"` // JSON 数组
	Specializations    string    `gorm:"type:text"` // JSON 数组
	MaxConcurrentTasks int       `gorm:"not null;default:0"`
	CurrentLoad        int       `gorm:"not null;default:0"`
	Status             string    `gorm:"size:32;not null;index:idx_axon_agents_status"`
	LastHeartbeat      time.Time `gorm:"not null"`
	ReputationScore    float64   `gorm:"not null;default:0.5"`
	Preferences        string    `gorm:"type:text"`
	Version            int64     `gorm:"not null;default:0"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (agentModel) TableName() string {
	return "axon_agents"
}

// workflowModel 工作流定义表（不可变）
type workflowModel struct {
	ID          string    `gorm:"primaryKey;size:128"`
	Name        string    `gorm:"size:255;not null;default:''"`
	Description string    `gorm:"type:text"`
	Steps       string    `gorm:"type:text;not null"` // JSON
	Transitions string    `gorm:"type:text"`
	CreatedBy   string    `gorm:"size:128;not null;default:''"`
	IsTemplate  bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (workflowModel) TableName() string {
	return "axon_workflows"
}

// completedStepModel 已完成步骤表，(task_code, step_id) 唯一
type completedStepModel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	TaskCode        string    `gorm:"size:128;not null;uniqueIndex:idx_axon_completed_steps_task_step,priority:1"`
	StepID          string    `gorm:"size:128;not null;uniqueIndex:idx_axon_completed_steps_task_step,priority:2"`
	AgentName       string    `gorm:"size:128;not null"`
	StartedAt       time.Time `gorm:"not null"`
	CompletedAt     time.Time `gorm:"not null"`
	DurationMinutes int       `gorm:"not null;default:0"`
	OutputSummary   string    `gorm:"type:text"`
	ConfidenceScore float64   `gorm:"not null"`
}

func (completedStepModel) TableName() string {
	return "axon_completed_steps"
}

// handoffModel 交接包表
type handoffModel struct {
	ID                     string     `gorm:"primaryKey;size:64"`
	TaskCode               string     `gorm:"size:128;not null;index:idx_axon_handoffs_task"`
	FromAgentName          string     `gorm:"size:128;not null"`
	ToCapability           string     `gorm:"size:128;not null;index:idx_axon_handoffs_capability"`
	Summary                string     `gorm:"type:text"`
	ConfidenceScore        float64    `gorm:"not null"`
	Artifacts              string     `gorm:"type:text"`
	KnownLimitations       string     `gorm:"type:text"` // JSON 数组
	NextSteps              string     `gorm:"type:text"` // JSON 数组
	BlockersResolved       string     `gorm:"type:text"` // JSON 数组
	EstimatedEffortMinutes *int       `gorm:"column:estimated_effort_minutes"`
	CreatedAt              time.Time  `gorm:"not null"`
	AcceptedAt             *time.Time `gorm:"column:accepted_at"`
	AcceptedBy             string     `gorm:"size:128;not null;default:''"`
}

func (handoffModel) TableName() string {
	return "axon_handoffs"
}

// allModels 供 AutoMigrate 使用
func allModels() []any {
	return []any{&taskModel{}, &taskEventModel{}, &agentModel{}, &workflowModel{}, &completedStepModel{}, &handoffModel{}}
}

// ============================================================
// 模型 <-> 领域记录转换
// ============================================================

func encodeList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(s string) ([]string, error) {
	if s == "" || s == "[]" || s == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func rawOrEmpty(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toTaskModel(t *types.Task) *taskModel {
	return &taskModel{
		Code:                 t.Code,
		Name:                 t.Name,
		Description:          t.Description,
		State:                string(t.State),
		OwnerAgentName:       t.OwnerAgentName,
		Priority:             t.Priority,
		FailureCount:         t.FailureCount,
		ParentCode:           t.ParentCode,
		WorkflowID:           t.WorkflowID,
		WorkflowCursor:       t.WorkflowCursor,
		StepStartedAt:        timePtr(t.StepStartedAt),
		RequiredCapabilities: encodeList(t.RequiredCapabilities),
		PendingHandoffID:     t.PendingHandoffID,
		ConfidenceThreshold:  t.ConfidenceThreshold,
		Version:              t.Version,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
		StateChangedAt:       t.StateChangedAt,
	}
}

// updateColumns 返回 CAS 更新时写入的列（不含主键与 created_at）
func (m *taskModel) updateColumns() map[string]any {
	return map[string]any{
		"name":                  m.Name,
		"description":           m.Description,
		"state":                 m.State,
		"owner_agent_name":      m.OwnerAgentName,
		"priority":              m.Priority,
		"failure_count":         m.FailureCount,
		"parent_code":           m.ParentCode,
		"workflow_id":           m.WorkflowID,
		"workflow_cursor":       m.WorkflowCursor,
		"step_started_at":       m.StepStartedAt,
		"required_capabilities": m.RequiredCapabilities,
		"pending_handoff_id":    m.PendingHandoffID,
		"confidence_threshold":  m.ConfidenceThreshold,
		"version":               m.Version,
		"updated_at":            m.UpdatedAt,
		"state_changed_at":      m.StateChangedAt,
	}
}

func (m *taskModel) toTask() (*types.Task, error) {
	state, err := types.ParseTaskState(m.State)
	if err != nil {
		return nil, err
	}
	caps, err := decodeList(m.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	t := &types.Task{
		Code:                 m.Code,
		Name:                 m.Name,
		Description:          m.Description,
		State:                state,
		OwnerAgentName:       m.OwnerAgentName,
		Priority:             m.Priority,
		FailureCount:         m.FailureCount,
		ParentCode:           m.ParentCode,
		WorkflowID:           m.WorkflowID,
		WorkflowCursor:       m.WorkflowCursor,
		RequiredCapabilities: caps,
		PendingHandoffID:     m.PendingHandoffID,
		ConfidenceThreshold:  m.ConfidenceThreshold,
		Version:              m.Version,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
		StateChangedAt:       m.StateChangedAt,
	}
	if m.StepStartedAt != nil {
		t.StepStartedAt = *m.StepStartedAt
	}
	return t, nil
}

func toEventModel(ev *types.TaskEvent) *taskEventModel {
	return &taskEventModel{
		TaskCode:   ev.TaskCode,
		FromState:  string(ev.FromState),
		ToState:    string(ev.ToState),
		Actor:      ev.Actor,
		Reason:     ev.Reason,
		OccurredAt: ev.OccurredAt,
	}
}

func (m *taskEventModel) toEvent() *types.TaskEvent {
	return &types.TaskEvent{
		ID:         m.ID,
		TaskCode:   m.TaskCode,
		FromState:  types.TaskState(m.FromState),
		ToState:    types.TaskState(m.ToState),
		Actor:      m.Actor,
		Reason:     m.Reason,
		OccurredAt: m.OccurredAt,
	}
}

func toAgentModel(a *types.AgentProfile) *agentModel {
	return &agentModel{
		Name:               a.Name,
		Description:        a.Description,
		Capabilities:       encodeList(a.Capabilities),
		Specializations:    encodeList(a.Specializations),
		MaxConcurrentTasks: a.MaxConcurrentTasks,
		CurrentLoad:        a.CurrentLoad,
		Status:             string(a.Status),
		LastHeartbeat:      a.LastHeartbeat,
		ReputationScore:    a.ReputationScore,
		Preferences:        string(a.Preferences),
		Version:            a.Version,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func (m *agentModel) toProfile() (*types.AgentProfile, error) {
	status, err := types.ParseAgentStatus(m.Status)
	if err != nil {
		return nil, err
	}
	caps, err := decodeList(m.Capabilities)
	if err != nil {
		return nil, err
	}
	specs, err := decodeList(m.Specializations)
	if err != nil {
		return nil, err
	}
	return &types.AgentProfile{
		Name:               m.Name,
		Description:        m.Description,
		Capabilities:       caps,
		Specializations:    specs,
		MaxConcurrentTasks: m.MaxConcurrentTasks,
		CurrentLoad:        m.CurrentLoad,
		Status:             status,
		LastHeartbeat:      m.LastHeartbeat,
		ReputationScore:    m.ReputationScore,
		Preferences:        rawOrEmpty(m.Preferences),
		Version:            m.Version,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}, nil
}

func toWorkflowModel(def *types.WorkflowDefinition) (*workflowModel, error) {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, err
	}
	return &workflowModel{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Steps:       string(steps),
		Transitions: string(def.Transitions),
		CreatedBy:   def.CreatedBy,
		IsTemplate:  def.IsTemplate,
		CreatedAt:   def.CreatedAt,
	}, nil
}

func (m *workflowModel) toDefinition() (*types.WorkflowDefinition, error) {
	def := &types.WorkflowDefinition{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Transitions: rawOrEmpty(m.Transitions),
		CreatedBy:   m.CreatedBy,
		IsTemplate:  m.IsTemplate,
		CreatedAt:   m.CreatedAt,
	}
	if err := json.Unmarshal([]byte(m.Steps), &def.Steps); err != nil {
		return nil, err
	}
	return def, nil
}

func toStepModel(s *types.CompletedStep) *completedStepModel {
	return &completedStepModel{
		TaskCode:        s.TaskCode,
		StepID:          s.StepID,
		AgentName:       s.AgentName,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		DurationMinutes: s.DurationMinutes,
		OutputSummary:   s.OutputSummary,
		ConfidenceScore: s.ConfidenceScore,
	}
}

func (m *completedStepModel) toStep() *types.CompletedStep {
	return &types.CompletedStep{
		TaskCode:        m.TaskCode,
		StepID:          m.StepID,
		AgentName:       m.AgentName,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		DurationMinutes: m.DurationMinutes,
		OutputSummary:   m.OutputSummary,
		ConfidenceScore: m.ConfidenceScore,
	}
}

func toHandoffModel(h *types.HandoffPackage) *handoffModel {
	return &handoffModel{
		ID:                     h.ID,
		TaskCode:               h.TaskCode,
		FromAgentName:          h.FromAgentName,
		ToCapability:           h.ToCapability,
		Summary:                h.Summary,
		ConfidenceScore:        h.ConfidenceScore,
		Artifacts:              string(h.Artifacts),
		KnownLimitations:       encodeList(h.KnownLimitations),
		NextSteps:              encodeList(h.NextSteps),
		BlockersResolved:       encodeList(h.BlockersResolved),
		EstimatedEffortMinutes: h.EstimatedEffortMinutes,
		CreatedAt:              h.CreatedAt,
		AcceptedAt:             h.AcceptedAt,
		AcceptedBy:             h.AcceptedBy,
	}
}

func (m *handoffModel) toHandoff() (*types.HandoffPackage, error) {
	limits, err := decodeList(m.KnownLimitations)
	if err != nil {
		return nil, err
	}
	next, err := decodeList(m.NextSteps)
	if err != nil {
		return nil, err
	}
	resolved, err := decodeList(m.BlockersResolved)
	if err != nil {
		return nil, err
	}
	return &types.HandoffPackage{
		ID:                     m.ID,
		TaskCode:               m.TaskCode,
		FromAgentName:          m.FromAgentName,
		ToCapability:           m.ToCapability,
		Summary:                m.Summary,
		ConfidenceScore:        m.ConfidenceScore,
		Artifacts:              rawOrEmpty(m.Artifacts),
		KnownLimitations:       limits,
		NextSteps:              next,
		BlockersResolved:       resolved,
		EstimatedEffortMinutes: m.EstimatedEffortMinutes,
		CreatedAt:              m.CreatedAt,
		AcceptedAt:             m.AcceptedAt,
		AcceptedBy:             m.AcceptedBy,
	}, nil
}
