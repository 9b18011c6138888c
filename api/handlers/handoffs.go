package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/handoff"
	"github.com/janreges/axon-mcp-sub003/api"
)

// =============================================================================
// 🤝 交接 Handler
// =============================================================================

// HandoffHandler 交接包处理器
type HandoffHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewHandoffHandler 创建交接处理器
func NewHandoffHandler(svc Service, logger *zap.Logger) *HandoffHandler {
	return &HandoffHandler{
		svc:    svc,
		logger: logger.With(zap.String("handler", "handoffs")),
	}
}

// HandleCreate 创建交接包，任务进入 pending_handoff
// @Summary 创建交接
// @Tags handoff
// @Accept json
// @Produce json
// @Param request body handoff.Request true "交接包"
// @Success 201 {object} Response{data=types.HandoffPackage}
// @Failure 400 {object} Response
// @Failure 409 {object} Response "任务状态不允许交接"
// @Security ApiKeyAuth
// @Router /api/v1/handoffs [post]
func (h *HandoffHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req handoff.Request
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	from, err := resolveAgent(r, req.FromAgentName)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	req.FromAgentName = from

	pkg, err := h.svc.CreateHandoff(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusCreated, pkg)
}

// HandleList 列出交接包。带 task 参数时返回该任务的全部交接包，
// 否则返回待接受的交接包。
// @Summary 列出交接
// @Tags handoff
// @Produce json
// @Param task query string false "任务编码"
// @Param capability query string false "目标能力"
// @Param min_confidence query number false "最低置信度"
// @Param limit query int false "数量上限"
// @Success 200 {object} Response{data=[]types.HandoffPackage}
// @Security ApiKeyAuth
// @Router /api/v1/handoffs [get]
func (h *HandoffHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if code := r.URL.Query().Get("task"); code != "" {
		list, err := h.svc.TaskHandoffs(r.Context(), code)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		WriteSuccess(w, r, http.StatusOK, list)
		return
	}

	minConfidence, err := queryFloat(r, "min_confidence", 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	list, err := h.svc.ListPendingHandoffs(r.Context(), r.URL.Query().Get("capability"), minConfidence, limit)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, list)
}

// HandleGet 查询交接包
// @Summary 查询交接
// @Tags handoff
// @Produce json
// @Param id path string true "交接包 ID"
// @Success 200 {object} Response{data=types.HandoffPackage}
// @Failure 404 {object} Response
// @Security ApiKeyAuth
// @Router /api/v1/handoffs/{id} [get]
func (h *HandoffHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.svc.GetHandoff(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, pkg)
}

// HandleAccept 接受交接包；并发接受只有一个成功，其余返回 409
// @Summary 接受交接
// @Tags handoff
// @Accept json
// @Produce json
// @Param id path string true "交接包 ID"
// @Param request body api.AcceptHandoffRequest false "接受者"
// @Success 200 {object} Response{data=handoff.Accepted}
// @Failure 409 {object} Response "已被接受"
// @Security ApiKeyAuth
// @Router /api/v1/handoffs/{id}/accept [post]
func (h *HandoffHandler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	var req api.AcceptHandoffRequest
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
	accepted, err := h.svc.AcceptHandoff(r.Context(), r.PathValue("id"), agent)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, accepted)
}
