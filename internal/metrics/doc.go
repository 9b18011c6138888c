/*
包 metrics 提供基于 Prometheus 的协调服务指标采集能力，覆盖
HTTP、任务与工作流、交接、工作发现与巡检、缓存与数据库几个维度。

# 概述

Collector 通过 promauto 注册全部指标，按 namespace 隔离。
协调核心不直接依赖本包，而是通过状态机、定义缓存与巡检器
暴露的回调挂钩进行上报。

# 主要能力

  - HTTP 指标：请求总数、耗时与请求/响应体大小，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 任务指标：按 from/to 统计状态转换，按结果统计工作流推进。
  - 操作指标：协调操作耗时，以及按错误码统计的失败次数。
  - 交接指标：创建与接受计数（按目标能力），滞留的待交接任务 Gauge。
  - 发现与巡检：发现请求与返回数量，巡检次数与被标记为
    unresponsive 的 Agent 数，按状态统计的 Agent 数量。
  - 缓存与数据库：命中/未命中计数，连接池 Gauge 与查询耗时。
*/
package metrics
