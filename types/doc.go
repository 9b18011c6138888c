/*
Package types 提供 Axon 协调服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 task、workflow、
agent/registry、agent/discovery、agent/handoff、agent/persistence
以及 api 层提供统一的领域记录与错误契约，以避免循环依赖。

# 核心类型

  - Task / TaskState          — 任务记录与封闭的生命周期状态集合
  - AgentProfile / AgentStatus — Agent 身份、能力、容量、心跳与信誉
  - WorkflowDefinition / WorkflowStep — 有序步骤组成的工作流定义
  - CompletedStep / WorkflowExecution — 任务在工作流中的进度
  - HandoffPackage            — 步骤之间的交接包
  - TaskEvent                 — 每次状态变更写入的审计事件
  - Error / ErrorCode         — NOT_FOUND、VALIDATION、INVALID_STATE_TRANSITION、
    CONFLICT、ALREADY_EXISTS 错误分类

# 序列化约定

所有枚举（任务状态、Agent 状态、能力标记）都以稳定的小写 snake_case
字符串持久化，解析时拒绝未知值，与存储层的 CHECK 约束保持一致。

# Context 传播

WithTraceID / WithRequestID / WithAgentName 及对应的读取函数。
*/
package types
