/*
Package main 提供 Axon 协调服务的程序入口。

# 概述

cmd/axon 是 Axon 的可执行入口，提供 HTTP API 服务、数据库迁移、
无响应巡检、健康检查和版本查询等子命令。程序支持 YAML 配置文件与
AXON_ 前缀环境变量加载、结构化日志（zap）、Prometheus 指标采集和
OpenTelemetry 链路追踪。

# 核心类型

  - Server     — 主服务器，管理 API 与 Metrics 双端口、存储后端及优雅关闭
  - Middleware — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、sweep、health、version
  - 存储后端：memory、sql（postgres / mysql / sqlite）、redis
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、JWTAuth 或 APIKeyAuth、RateLimiter
  - JWT 认证时令牌中的 Agent 名称即调用者身份，处理器拒绝冒用
  - TLS：配置证书后以 HTTPS 启动，未配置时可选 h2c
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
