/*
Package handlers 提供 Axon 协调服务 HTTP API 的请求处理器实现。

# 概述

handlers 包把协调核心（任务状态机、工作流引擎、Agent 注册表、
工作发现与交接）暴露为 JSON over HTTP 端点。所有 Handler 均遵循
标准 net/http 接口，路由使用 Go 1.22 的“方法 + 路径”模式，
通过 Swagger 注解生成 API 文档。

# 核心类型

  - Service         — HTTP 层依赖的协调能力，由 *axon.Coordinator 实现
  - TaskHandler     — 任务创建、查询、状态转换、认领、失败记录与工作发现
  - WorkflowHandler — 工作流定义注册、启动、推进与进度查询
  - AgentHandler    — Agent 注册、心跳、负载、声誉与无响应巡检
  - HandoffHandler  — 交接包创建、列表与接受
  - HealthHandler   — 服务健康检查（/health, /healthz, /ready）
  - Response        — 统一 JSON 响应结构（success + data + error + timestamp）

# 主要能力

  - Register 一次性注册全部 /api/v1 端点
  - ErrorCode 到 HTTP 状态码自动映射（404/400/409/401/429/500）
  - 认证身份约束：请求中的 Agent 名称必须与 JWT 身份一致
  - 工作流推进置信度不足时返回 200 与 kind=validation_failed
*/
package handlers
