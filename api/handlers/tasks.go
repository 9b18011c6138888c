package handlers

import (
	"net/http"

	"go.uber.org/zap"

	axon "github.com/janreges/axon-mcp-sub003"
	"github.com/janreges/axon-mcp-sub003/agent/discovery"
	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/api"
	"github.com/janreges/axon-mcp-sub003/types"
)

// =============================================================================
// 📋 任务 Handler
// =============================================================================

// TaskHandler 任务生命周期与工作发现处理器
type TaskHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(svc Service, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		svc:    svc,
		logger: logger.With(zap.String("handler", "tasks")),
	}
}

// HandleCreate 创建任务
// @Summary 创建任务
// @Tags task
// @Accept json
// @Produce json
// @Param request body api.CreateTaskRequest true "任务"
// @Success 201 {object} Response{data=types.Task}
// @Failure 400 {object} Response
// @Failure 409 {object} Response "编码已存在"
// @Security ApiKeyAuth
// @Router /api/v1/tasks [post]
func (h *TaskHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	t, err := h.svc.CreateTask(r.Context(), req.ToTask())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusCreated, t)
}

// HandleList 按条件列出任务
// @Summary 列出任务
// @Tags task
// @Produce json
// @Param state query string false "状态，可重复或逗号分隔"
// @Param owner query string false "所有者"
// @Param workflow_id query string false "工作流"
// @Param parent_code query string false "父任务"
// @Param limit query int false "数量上限"
// @Param offset query int false "偏移"
// @Success 200 {object} Response{data=[]types.Task}
// @Security ApiKeyAuth
// @Router /api/v1/tasks [get]
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	states, err := parseStates(queryList(r, "state"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	q := r.URL.Query()
	tasks, err := h.svc.ListTasks(r.Context(), persistence.TaskFilter{
		States:     states,
		Owner:      q.Get("owner"),
		WorkflowID: q.Get("workflow_id"),
		ParentCode: q.Get("parent_code"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, tasks)
}

// HandleGet 查询任务
// @Summary 查询任务
// @Tags task
// @Produce json
// @Param code path string true "任务编码"
// @Success 200 {object} Response{data=types.Task}
// @Failure 404 {object} Response
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{code} [get]
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTask(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, t)
}

// HandleTransition 请求状态转换
// @Summary 任务状态转换
// @Tags task
// @Accept json
// @Produce json
// @Param code path string true "任务编码"
// @Param request body api.TransitionTaskRequest true "目标状态"
// @Success 200 {object} Response{data=types.Task}
// @Failure 409 {object} Response "非法转换或版本冲突"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{code}/transitions [post]
func (h *TaskHandler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	var req api.TransitionTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	actor := req.Actor
	if name, ok := types.AgentName(r.Context()); ok && actor == "" {
		actor = name
	}
	t, err := h.svc.Transition(r.Context(), r.PathValue("code"), axon.TransitionRequest{
		Target:          req.Target,
		Owner:           req.Owner,
		Actor:           actor,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, t)
}

// HandleClaim 认领任务
// @Summary 认领任务
// @Tags task
// @Accept json
// @Produce json
// @Param code path string true "任务编码"
// @Param request body api.ClaimTaskRequest false "认领者"
// @Success 200 {object} Response{data=types.Task}
// @Failure 409 {object} Response "任务已被认领"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{code}/claim [post]
func (h *TaskHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	var req api.ClaimTaskRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	agent, err := resolveAgent(r, req.AgentName)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	t, err := h.svc.ClaimTask(r.Context(), r.PathValue("code"), agent)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, t)
}

// HandleRecordFailure 记录一次失败，达到上限后自动隔离
// @Summary 记录任务失败
// @Tags task
// @Accept json
// @Produce json
// @Param code path string true "任务编码"
// @Param request body api.RecordFailureRequest true "失败原因"
// @Success 200 {object} Response{data=types.Task}
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{code}/failures [post]
func (h *TaskHandler) HandleRecordFailure(w http.ResponseWriter, r *http.Request) {
	var req api.RecordFailureRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	actor := req.Actor
	if name, ok := types.AgentName(r.Context()); ok && actor == "" {
		actor = name
	}
	t, err := h.svc.RecordFailure(r.Context(), r.PathValue("code"), actor, req.Reason)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, t)
}

// HandleEvents 返回任务审计轨迹
// @Summary 任务事件
// @Tags task
// @Produce json
// @Param code path string true "任务编码"
// @Success 200 {object} Response{data=[]types.TaskEvent}
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{code}/events [get]
func (h *TaskHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.TaskEvents(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, events)
}

// HandleDiscover 为 Agent 发现可做的任务
// @Summary 工作发现
// @Tags task
// @Accept json
// @Produce json
// @Param request body discovery.Params true "发现参数"
// @Success 200 {object} Response{data=[]types.Task}
// @Security ApiKeyAuth
// @Router /api/v1/discover [post]
func (h *TaskHandler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	var p discovery.Params
	if err := DecodeJSONBody(w, r, &p, h.logger); err != nil {
		return
	}
	// 已认证的 Agent 只能以自己的身份发现工作
	if _, ok := types.AgentName(r.Context()); ok {
		agent, err := resolveAgent(r, p.AgentName)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		p.AgentName = agent
	}
	tasks, err := h.svc.Discover(r.Context(), p)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, tasks)
}

func parseStates(tokens []string) ([]types.TaskState, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	out := make([]types.TaskState, 0, len(tokens))
	for _, tok := range tokens {
		s, err := types.ParseTaskState(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
