package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/agent/registry"
	"github.com/janreges/axon-mcp-sub003/api"
	"github.com/janreges/axon-mcp-sub003/types"
)

// =============================================================================
// 🤖 Agent Handler
// =============================================================================

// AgentHandler Agent 注册表处理器
type AgentHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewAgentHandler 创建 Agent 处理器
func NewAgentHandler(svc Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		svc:    svc,
		logger: logger.With(zap.String("handler", "agents")),
	}
}

// HandleRegister 注册 Agent
// @Summary 注册 Agent
// @Tags agent
// @Accept json
// @Produce json
// @Param request body api.RegisterAgentRequest true "Agent 档案"
// @Success 201 {object} Response{data=types.AgentProfile}
// @Failure 409 {object} Response "名称已存在"
// @Security ApiKeyAuth
// @Router /api/v1/agents [post]
func (h *AgentHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if _, err := resolveAgent(r, req.Name); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	a, err := h.svc.RegisterAgent(r.Context(), req.ToProfile())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusCreated, a)
}

// HandleList 列出 Agent
// @Summary 列出 Agent
// @Tags agent
// @Produce json
// @Param status query string false "状态，可重复或逗号分隔"
// @Param capability query string false "能力"
// @Param limit query int false "数量上限"
// @Success 200 {object} Response{data=[]types.AgentProfile}
// @Security ApiKeyAuth
// @Router /api/v1/agents [get]
func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var statuses []types.AgentStatus
	for _, tok := range queryList(r, "status") {
		s, err := types.ParseAgentStatus(tok)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		statuses = append(statuses, s)
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	agents, err := h.svc.ListAgents(r.Context(), persistence.AgentFilter{
		Statuses:   statuses,
		Capability: r.URL.Query().Get("capability"),
		Limit:      limit,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, agents)
}

// HandleGet 查询 Agent
// @Summary 查询 Agent
// @Tags agent
// @Produce json
// @Param name path string true "Agent 名称"
// @Success 200 {object} Response{data=types.AgentProfile}
// @Failure 404 {object} Response
// @Security ApiKeyAuth
// @Router /api/v1/agents/{name} [get]
func (h *AgentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAgent(r.Context(), r.PathValue("name"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, a)
}

// HandleHeartbeat 记录心跳，可同时上报负载与状态
// @Summary Agent 心跳
// @Tags agent
// @Accept json
// @Produce json
// @Param name path string true "Agent 名称"
// @Param request body api.HeartbeatRequest false "负载与状态"
// @Success 200 {object} Response{data=types.AgentProfile}
// @Security ApiKeyAuth
// @Router /api/v1/agents/{name}/heartbeat [post]
func (h *AgentHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name, ok := h.pathAgent(w, r)
	if !ok {
		return
	}
	var req api.HeartbeatRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	a, err := h.svc.Heartbeat(r.Context(), name, req.CurrentLoad, req.Status)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, a)
}

// HandleUpdateLoad 调整负载；越界返回 400，不做截断
// @Summary 更新负载
// @Tags agent
// @Accept json
// @Produce json
// @Param name path string true "Agent 名称"
// @Param request body api.UpdateLoadRequest true "负载变更"
// @Success 200 {object} Response{data=types.AgentProfile}
// @Failure 400 {object} Response "越界"
// @Security ApiKeyAuth
// @Router /api/v1/agents/{name}/load [post]
func (h *AgentHandler) HandleUpdateLoad(w http.ResponseWriter, r *http.Request) {
	name, ok := h.pathAgent(w, r)
	if !ok {
		return
	}
	var req api.UpdateLoadRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	a, err := h.svc.UpdateLoad(r.Context(), name, registry.LoadUpdate{Delta: req.Delta, Absolute: req.Absolute})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, a)
}

// HandleUpdateReputation 调整声誉，结果截断到 [0, 1]
// @Summary 更新声誉
// @Tags agent
// @Accept json
// @Produce json
// @Param name path string true "Agent 名称"
// @Param request body api.UpdateReputationRequest true "声誉变更"
// @Success 200 {object} Response{data=types.AgentProfile}
// @Security ApiKeyAuth
// @Router /api/v1/agents/{name}/reputation [post]
func (h *AgentHandler) HandleUpdateReputation(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateReputationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	a, err := h.svc.UpdateReputation(r.Context(), r.PathValue("name"), req.Delta)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, a)
}

// HandleDeactivate 下线 Agent，档案保留
// @Summary 下线 Agent
// @Tags agent
// @Produce json
// @Param name path string true "Agent 名称"
// @Success 200 {object} Response{data=types.AgentProfile}
// @Security ApiKeyAuth
// @Router /api/v1/agents/{name} [delete]
func (h *AgentHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	name, ok := h.pathAgent(w, r)
	if !ok {
		return
	}
	a, err := h.svc.DeactivateAgent(r.Context(), name)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, a)
}

// HandleFindByCapability 按能力查找可用 Agent，按声誉与负载排序
// @Summary 按能力查找 Agent
// @Tags agent
// @Produce json
// @Param capability path string true "能力"
// @Param limit query int false "数量上限"
// @Success 200 {object} Response{data=[]types.AgentProfile}
// @Security ApiKeyAuth
// @Router /api/v1/capabilities/{capability}/agents [get]
func (h *AgentHandler) HandleFindByCapability(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	agents, err := h.svc.FindAgents(r.Context(), r.PathValue("capability"), limit)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, agents)
}

// HandleSweep 立即执行一次无响应巡检
// @Summary 无响应巡检
// @Tags agent
// @Produce json
// @Success 200 {object} Response{data=api.SweepResponse}
// @Security ApiKeyAuth
// @Router /api/v1/agents/sweep [post]
func (h *AgentHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	swept := h.svc.SweepUnresponsive(r.Context())
	if swept == nil {
		swept = []*types.AgentProfile{}
	}
	WriteSuccess(w, r, http.StatusOK, api.SweepResponse{Swept: swept, Count: len(swept)})
}

// pathAgent 取路径中的 Agent 名称；已认证时只能操作自己
func (h *AgentHandler) pathAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := resolveAgent(r, r.PathValue("name"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return "", false
	}
	return name, true
}
