package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/api"
	"github.com/janreges/axon-mcp-sub003/types"
	"github.com/janreges/axon-mcp-sub003/workflow"
)

// =============================================================================
// 🧭 工作流 Handler
// =============================================================================

// WorkflowHandler 工作流定义与推进处理器
type WorkflowHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(svc Service, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		svc:    svc,
		logger: logger.With(zap.String("handler", "workflows")),
	}
}

// HandleRegister 注册工作流定义；定义不可变，同 id 再注册返回 409
// @Summary 注册工作流
// @Tags workflow
// @Accept json
// @Produce json
// @Param request body types.WorkflowDefinition true "定义"
// @Success 201 {object} Response{data=types.WorkflowDefinition}
// @Failure 409 {object} Response
// @Security ApiKeyAuth
// @Router /api/v1/workflows [post]
func (h *WorkflowHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var def types.WorkflowDefinition
	if err := DecodeJSONBody(w, r, &def, h.logger); err != nil {
		return
	}
	stored, err := h.svc.RegisterWorkflow(r.Context(), &def)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusCreated, stored)
}

// HandleGet 查询工作流定义
// @Summary 查询工作流
// @Tags workflow
// @Produce json
// @Param id path string true "工作流 ID"
// @Success 200 {object} Response{data=types.WorkflowDefinition}
// @Failure 404 {object} Response
// @Security ApiKeyAuth
// @Router /api/v1/workflows/{id} [get]
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, def)
}

// HandleStart 为任务启动工作流
// @Summary 启动工作流
// @Tags workflow
// @Accept json
// @Produce json
// @Param code path string true "任务编码"
// @Param request body api.StartWorkflowRequest true "工作流"
// @Success 200 {object} Response{data=types.Task}
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{code}/workflow [post]
func (h *WorkflowHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartWorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	t, err := h.svc.StartWorkflow(r.Context(), r.PathValue("code"), req.WorkflowID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, t)
}

// HandleAdvance 提交当前步骤的产出。置信度不足时返回 200 与
// kind=validation_failed，不写入任何数据。
// @Summary 推进工作流
// @Tags workflow
// @Accept json
// @Produce json
// @Param code path string true "任务编码"
// @Param request body workflow.AdvanceRequest true "步骤产出"
// @Success 200 {object} Response{data=workflow.AdvanceResult}
// @Failure 409 {object} Response "任务状态不允许推进"
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{code}/advance [post]
func (h *WorkflowHandler) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	var req workflow.AdvanceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	code := r.PathValue("code")
	if req.TaskCode != "" && req.TaskCode != code {
		WriteError(w, r, types.NewValidationError("task_code %q does not match path %q", req.TaskCode, code), h.logger)
		return
	}
	req.TaskCode = code

	agent, err := resolveAgent(r, req.AgentName)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	req.AgentName = agent

	res, err := h.svc.AdvanceWorkflow(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, res)
}

// HandleExecution 返回任务的工作流进度
// @Summary 工作流进度
// @Tags workflow
// @Produce json
// @Param code path string true "任务编码"
// @Success 200 {object} Response{data=types.WorkflowExecution}
// @Failure 404 {object} Response
// @Security ApiKeyAuth
// @Router /api/v1/tasks/{code}/execution [get]
func (h *WorkflowHandler) HandleExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.svc.WorkflowExecution(r.Context(), r.PathValue("code"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, exec)
}
