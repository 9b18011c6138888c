/*
包 database 提供基于 GORM 的数据库连接池管理，是 SQL 协调存储的底座。

# 概述

Open 按驱动名选择方言（postgres、mysql、纯 Go 的 sqlite 与 cgo 的
sqlite3），打开数据库并交给 PoolManager 统一管理连接生命周期。
SQLite DSN 会自动补充忙等待与外键参数。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB、Ping、Stats、
    Close 以及事务辅助方法。
  - PoolConfig：最大空闲/打开连接数、连接生命周期、健康检查间隔与
    指标标签名。
  - PoolObserver：连接数与语句耗时的观测接口，由 metrics.Collector 实现，
    通过 Observe 挂接到 GORM 回调。

# 事务

WithTransaction 执行单次事务。WithTransactionRetry 对死锁、序列化失败、
锁超时与 SQLite 忙等错误做指数退避重试，IsRetryableError 给出判定。
*/
package database
