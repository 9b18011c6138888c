package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	axon "github.com/janreges/axon-mcp-sub003"
	"github.com/janreges/axon-mcp-sub003/agent/discovery"
	"github.com/janreges/axon-mcp-sub003/agent/handoff"
	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/agent/registry"
	"github.com/janreges/axon-mcp-sub003/types"
	"github.com/janreges/axon-mcp-sub003/workflow"
)

// Service 是 HTTP 层依赖的协调能力，由 *axon.Coordinator 实现
type Service interface {
	CreateTask(ctx context.Context, t *types.Task) (*types.Task, error)
	GetTask(ctx context.Context, code string) (*types.Task, error)
	ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]*types.Task, error)
	TaskEvents(ctx context.Context, code string) ([]*types.TaskEvent, error)
	Transition(ctx context.Context, code string, req axon.TransitionRequest) (*types.Task, error)
	ClaimTask(ctx context.Context, code, agent string) (*types.Task, error)
	RecordFailure(ctx context.Context, code, actor, reason string) (*types.Task, error)

	RegisterWorkflow(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error)
	StartWorkflow(ctx context.Context, code, workflowID string) (*types.Task, error)
	AdvanceWorkflow(ctx context.Context, req workflow.AdvanceRequest) (workflow.AdvanceResult, error)
	WorkflowExecution(ctx context.Context, code string) (*types.WorkflowExecution, error)

	Discover(ctx context.Context, p discovery.Params) ([]*types.Task, error)

	RegisterAgent(ctx context.Context, profile *types.AgentProfile) (*types.AgentProfile, error)
	GetAgent(ctx context.Context, name string) (*types.AgentProfile, error)
	ListAgents(ctx context.Context, filter persistence.AgentFilter) ([]*types.AgentProfile, error)
	Heartbeat(ctx context.Context, name string, load *int, status *types.AgentStatus) (*types.AgentProfile, error)
	UpdateLoad(ctx context.Context, name string, u registry.LoadUpdate) (*types.AgentProfile, error)
	UpdateReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error)
	DeactivateAgent(ctx context.Context, name string) (*types.AgentProfile, error)
	FindAgents(ctx context.Context, capability string, limit int) ([]*types.AgentProfile, error)
	SweepUnresponsive(ctx context.Context) []*types.AgentProfile

	CreateHandoff(ctx context.Context, req handoff.Request) (*types.HandoffPackage, error)
	AcceptHandoff(ctx context.Context, id, agent string) (*handoff.Accepted, error)
	GetHandoff(ctx context.Context, id string) (*types.HandoffPackage, error)
	ListPendingHandoffs(ctx context.Context, capability string, minConfidence float64, limit int) ([]*types.HandoffPackage, error)
	TaskHandoffs(ctx context.Context, code string) ([]*types.HandoffPackage, error)
}

var _ Service = (*axon.Coordinator)(nil)

// APIPrefix 所有协调端点的路径前缀
const APIPrefix = "/api/v1"

// =============================================================================
// 🧭 路由注册
// =============================================================================

// Register 把全部协调端点注册到 mux（Go 1.22 方法 + 路径模式）
func Register(mux *http.ServeMux, svc Service, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tasks := NewTaskHandler(svc, logger)
	workflows := NewWorkflowHandler(svc, logger)
	agents := NewAgentHandler(svc, logger)
	handoffs := NewHandoffHandler(svc, logger)

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /tasks", tasks.HandleCreate},
		{"GET /tasks", tasks.HandleList},
		{"GET /tasks/{code}", tasks.HandleGet},
		{"POST /tasks/{code}/transitions", tasks.HandleTransition},
		{"POST /tasks/{code}/claim", tasks.HandleClaim},
		{"POST /tasks/{code}/failures", tasks.HandleRecordFailure},
		{"GET /tasks/{code}/events", tasks.HandleEvents},
		{"POST /tasks/{code}/workflow", workflows.HandleStart},
		{"GET /tasks/{code}/execution", workflows.HandleExecution},
		{"POST /tasks/{code}/advance", workflows.HandleAdvance},
		{"POST /discover", tasks.HandleDiscover},

		{"POST /workflows", workflows.HandleRegister},
		{"GET /workflows/{id}", workflows.HandleGet},

		{"POST /agents", agents.HandleRegister},
		{"GET /agents", agents.HandleList},
		{"GET /agents/{name}", agents.HandleGet},
		{"POST /agents/{name}/heartbeat", agents.HandleHeartbeat},
		{"POST /agents/{name}/load", agents.HandleUpdateLoad},
		{"POST /agents/{name}/reputation", agents.HandleUpdateReputation},
		{"DELETE /agents/{name}", agents.HandleDeactivate},
		{"GET /capabilities/{capability}/agents", agents.HandleFindByCapability},
		{"POST /agents/sweep", agents.HandleSweep},

		{"POST /handoffs", handoffs.HandleCreate},
		{"GET /handoffs", handoffs.HandleList},
		{"GET /handoffs/{id}", handoffs.HandleGet},
		{"POST /handoffs/{id}/accept", handoffs.HandleAccept},
	}
	for _, rt := range routes {
		method, path, _ := strings.Cut(rt.pattern, " ")
		mux.HandleFunc(method+" "+APIPrefix+path, rt.handler)
	}
	logger.Debug("API routes registered", zap.Int("routes", len(routes)))
}
