/*
包 task 实现任务状态机：合法转换表以及基于版本号的转换提交。

# 转换规则

validTransitions 列出所有合法的有向边；任何状态都可以进入 quarantined，
quarantined 唯一的出口是 created（人工复核后重置）。表外的转换一律返回
INVALID_STATE_TRANSITION，不做任何强制修正。

# 并发模型

Machine 不持有任务状态。调用方传入读取到的快照，Machine 校验转换、构造
Version+1 的新记录，并以快照版本为条件写入存储。并发写入失败时返回
CONFLICT，由调用方重新读取后决定是否重试，Machine 自身从不自动重试。

PreparePath 支持一次提交多跳转换（例如工作流最后一步 in_progress → review
→ done），每一跳生成一条审计事件，版本号只增加一。
*/
package task
