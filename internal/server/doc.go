/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，Axon 的 API 端口与
metrics 端口各由一个 Manager 承载。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
支持 HTTP、TLS 与明文 HTTP/2（h2c）三种模式；WaitForShutdown 监听
SIGINT/SIGTERM、context 结束与服务异常，随后在 ShutdownTimeout 内排空请求。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，提供
    Start/StartTLS/Shutdown/WaitForShutdown 等生命周期方法。
  - Config：服务名、监听地址、读写与空闲超时、最大请求头大小、
    优雅关闭超时与 h2c 开关。

启动后 Addr 返回实际绑定地址，监听 ":0" 时可用于获取随机端口。
*/
package server
