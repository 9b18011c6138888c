/*
包 registry 维护 Agent 档案：注册、心跳、负载与信誉以及无响应检测。

# 并发模型

负载与信誉属于每个 Agent 的共享计数器，可能被多个进程实例同时修改。
Registry 从不在进程内做读-改-写：UpdateLoad 和 UpdateReputation 都是
一次带条件的存储写入，越界的负载变更被拒绝（VALIDATION），信誉则被
截断到 [0, 1]。

# 无响应检测

SweepUnresponsive 把最后心跳早于超时时间且状态为 active/idle 的 Agent
标记为 unresponsive。每个 Agent 单独做条件写入，先到达的心跳优先；
单个 Agent 的失败只记录日志，不会中断整个扫描。Sweeper 在独立的
ticker 上周期运行（默认 30s），从不阻塞请求路径。

# 排名

FindByCapability 排除 offline 与 unresponsive 的 Agent，
按信誉降序、负载升序、名称升序排列。
*/
package registry
