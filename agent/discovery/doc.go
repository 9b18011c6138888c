/*
包 discovery 实现基于能力的工作发现调度器。

# 过滤

任务成为候选需同时满足：状态属于允许集合（默认 created、in_progress、
review、pending_handoff）；所需能力与 Agent 能力有交集，或任务未声明
任何能力；代码不在排除列表中；设置了 MinPriority 时优先级不低于它。

# 排序

优先级降序，失败次数升序，创建时间升序（先到先得），最后按任务代码
升序保证结果确定。结果截断到 MaxTasks（默认 10）。

# 准入控制

当 Agent 当前负载已达 max_concurrent_tasks 时直接返回空列表，不查询
任务存储。存储返回的候选结果会在进程内重新过滤与排序。
*/
package discovery
