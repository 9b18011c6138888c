/*
包 workflow 实现按顺序推进的工作流引擎。

# 概述

工作流定义（types.WorkflowDefinition）是一组有序步骤，每个步骤声明所需
能力、预计耗时、退出条件与校验规则。定义一经存储即不可变，修改意味着注册
新的 id，因此可以安全地缓存。

# 推进协议

Engine.Advance 接收当前步骤的产出：

 1. 根据任务的工作流游标定位当前步骤，任务没有活动工作流时返回 NOT_FOUND。
 2. 置信度超出 [0, 1] 或低于任务阈值（默认 0.70）时返回 ValidationFailed，
    退出条件与校验规则原样放入 RequiredFixes，不写入任何数据。
 3. 当前为最后一步：记录 CompletedStep，任务经 review 进入 done，
    返回 Completed 及所有步骤耗时之和。
 4. 否则：记录 CompletedStep，游标移动到下一步，生成指向下一步能力的
    交接包，任务进入 pending_handoff，返回 Advanced。

第 3、4 步均为一次以任务版本为条件的原子写入。

# 核心类型

  - Engine: RegisterDefinition / Definition / Start / Advance / Execution
  - AdvanceResult: advanced / completed / validation_failed 三选一，Switch 做穷举分发
  - CachedDefinitions: 基于 internal/cache 与 singleflight 的定义缓存
*/
package workflow
