// Package tlsutil 集中管理 Axon 的 TLS 设置：API 服务端、health 子命令的
// HTTP 客户端以及 Redis 连接统一使用 TLS 1.2+ 与 AEAD 密码套件。
package tlsutil
