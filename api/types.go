package api

import (
	"encoding/json"

	"github.com/janreges/axon-mcp-sub003/types"
)

// =============================================================================
// 任务请求类型
// =============================================================================

// CreateTaskRequest 创建任务请求
// @Description 创建任务请求结构；状态、版本与时间戳由服务端生成
type CreateTaskRequest struct {
	// 任务编码，唯一
	Code string `json:"code" example:"API-1" binding:"required"`
	// 任务名称
	Name string `json:"name" example:"Build REST API" binding:"required"`
	// 描述
	Description string `json:"description,omitempty"`
	// 优先级，越大越先被发现
	Priority int `json:"priority,omitempty" example:"5"`
	// 父任务编码
	ParentCode string `json:"parent_code,omitempty"`
	// 需要的能力
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// 置信度阈值（0 表示使用服务端默认值）
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty" example:"0.8"`
}

// ToTask 转换为领域任务
func (r CreateTaskRequest) ToTask() *types.Task {
	return &types.Task{
		Code:                 r.Code,
		Name:                 r.Name,
		Description:          r.Description,
		Priority:             r.Priority,
		ParentCode:           r.ParentCode,
		RequiredCapabilities: r.RequiredCapabilities,
		ConfidenceThreshold:  r.ConfidenceThreshold,
	}
}

// TransitionTaskRequest 状态转换请求
type TransitionTaskRequest struct {
	// 目标状态
	Target types.TaskState `json:"target" example:"blocked" binding:"required"`
	// 进入需要所有者的状态时的新所有者
	Owner string `json:"owner,omitempty"`
	// 操作者
	Actor string `json:"actor,omitempty"`
	// 原因
	Reason string `json:"reason,omitempty"`
	// 期望版本，非 0 时与存储版本不一致返回 409
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

// ClaimTaskRequest 认领任务请求；agent_name 为空时使用认证身份
type ClaimTaskRequest struct {
	AgentName string `json:"agent_name,omitempty" example:"rust-architect"`
}

// RecordFailureRequest 记录失败请求
type RecordFailureRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty" example:"integration tests failed"`
}

// StartWorkflowRequest 为任务启动工作流
type StartWorkflowRequest struct {
	WorkflowID string `json:"workflow_id" example:"design-build" binding:"required"`
}

// =============================================================================
// Agent 请求类型
// =============================================================================

// RegisterAgentRequest 注册 Agent 请求
type RegisterAgentRequest struct {
	// kebab-case 名称
	Name string `json:"name" example:"rust-architect" binding:"required"`
	// 描述
	Description string `json:"description,omitempty"`
	// 能力列表
	Capabilities []string `json:"capabilities" binding:"required"`
	// 专长
	Specializations []string `json:"specializations,omitempty"`
	// 最大并发任务数
	MaxConcurrentTasks int `json:"max_concurrent_tasks" example:"3"`
	// 初始声誉（0 表示默认值）
	ReputationScore float64 `json:"reputation_score,omitempty"`
	// 偏好设置，原样保存
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// ToProfile 转换为领域 Agent 档案
func (r RegisterAgentRequest) ToProfile() *types.AgentProfile {
	return &types.AgentProfile{
		Name:               r.Name,
		Description:        r.Description,
		Capabilities:       r.Capabilities,
		Specializations:    r.Specializations,
		MaxConcurrentTasks: r.MaxConcurrentTasks,
		ReputationScore:    r.ReputationScore,
		Preferences:        r.Preferences,
	}
}

// HeartbeatRequest 心跳请求；字段为空时不修改
type HeartbeatRequest struct {
	CurrentLoad *int               `json:"current_load,omitempty"`
	Status      *types.AgentStatus `json:"status,omitempty"`
}

// UpdateLoadRequest 负载变更请求；absolute 非空时直接设置
type UpdateLoadRequest struct {
	Delta    int  `json:"delta,omitempty"`
	Absolute *int `json:"absolute,omitempty"`
}

// UpdateReputationRequest 声誉变更请求
type UpdateReputationRequest struct {
	Delta float64 `json:"delta" example:"0.05"`
}

// SweepResponse 无响应巡检结果
type SweepResponse struct {
	Swept []*types.AgentProfile `json:"swept"`
	Count int                   `json:"count"`
}

// =============================================================================
// 交接请求类型
// =============================================================================

// AcceptHandoffRequest 接受交接请求；agent_name 为空时使用认证身份
type AcceptHandoffRequest struct {
	AgentName string `json:"agent_name,omitempty" example:"code-reviewer"`
}
