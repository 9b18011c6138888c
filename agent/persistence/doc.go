/*
包 persistence 提供协调核心所需的持久化契约及多后端实现。

# 概述

协调核心（任务状态机、工作流引擎、Agent 注册表、交接协调器）从不在进程内
缓存权威状态，所有变更都通过 Store 接口完成。需要原子性的操作被表达为
一次存储调用：以调用方读取到的版本号为条件的任务写入，连同审计事件、
已完成的工作流步骤与交接包记录一起提交，要么全部成功，要么全部不生效。

# 核心接口

  - TaskStore: 任务创建、查询、候选任务查询与 ApplyTaskUpdate 原子写入。
  - WorkflowStore: 不可变的工作流定义与已完成步骤。
  - HandoffStore: 交接包的创建与查询。
  - AgentStore: Agent 档案，负载与信誉通过单条条件写入原子更新。
  - Store: 以上接口的组合，外加 Close 与 Ping。

# 后端实现

  - MemoryStore: 基于 map + RWMutex，进出均深拷贝，适用于开发与测试。
  - GormStore: 基于 GORM，支持 PostgreSQL / MySQL / SQLite，
    通过 UPDATE ... WHERE version = ? 与 RowsAffected 实现乐观锁。
  - RedisStore: JSON 文档 + 有序集合索引，多键原子写入由 Lua 脚本完成。

所有后端共用同一套一致性测试（conformance_test.go）。
*/
package persistence
