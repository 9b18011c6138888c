/*
包 handoff 实现任务在不同能力之间的交接协调。

# 概述

当工作流推进到需要其它能力的步骤时，当前 Agent 生成一个交接包
（HandoffPackage），描述已完成的工作、置信度、已知限制以及下一步建议。
具备目标能力的 Agent 接受交接包后，任务重新进入 in_progress，所有者变为
接受方。

# 原子性

Accept 把两处变更放在一次存储写入中：交接包的 accepted_at/accepted_by
以及任务 pending_handoff → in_progress 的转换。任何时刻都不会观察到
“交接包已接受但任务仍无所有者”，反之亦然。重复接受返回 ALREADY_EXISTS。

# 核心类型

  - Coordinator: Build / Create / Accept / Get / ListPending / ListForTask / Stale
  - Request: 构造交接包的输入
  - MeetsConfidenceThreshold: 纯函数，调用方在展示交接包前使用

待处理的交接包不会自动过期，Stale 只负责报告等待过久的交接包。
*/
package handoff
