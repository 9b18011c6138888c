/*
包 cache 提供基于 Redis 的缓存管理能力，支持键前缀、健康检查、
JSON 序列化与统计信息采集。

# 概述

Manager 封装 go-redis 客户端，为上层提供统一的缓存读写接口。
协调服务用它缓存不可变的工作流定义；任务与 Agent 记录
永远不进入缓存。

# 核心类型

  - Manager：缓存管理器。NewManager 自建并独占客户端，
    NewManagerFromClient 复用 Redis 存储后端已有的客户端。
  - Config：地址、键前缀、连接池大小、默认 TTL 与健康检查间隔。
  - Stats：从 INFO 输出解析的命中/未命中、内存与连接数。

# 错误语义

ErrCacheMiss 表示键不存在，ErrClosed 表示管理器已关闭。
调用方应把其余错误视为缓存不可用并回退到存储层。
*/
package cache
