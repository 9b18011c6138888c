// Package config 提供 Axon 协调服务的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → AXON_ 前缀环境变量 的顺序合并，
// 覆盖 HTTP 服务、认证、存储后端、协调参数、日志与遥测。
package config
