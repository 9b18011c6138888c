/*
包 migration 管理协调存储的数据库 Schema 版本，支持 PostgreSQL、
MySQL 与 SQLite 三种方言，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中，建立任务、
任务事件、Agent、工作流定义、已完成步骤与交接包六张表及其查询索引。
迁移器支持正向迁移、回滚、按步执行、跳转到指定版本以及强制设置版本号，
长时间迁移可通过 context 取消，在两次迁移之间优雅停止。

# 核心类型

  - Migrator / DefaultMigrator：迁移操作集及其 golang-migrate 实现。
  - Config：数据库类型、连接 URL、迁移表名、锁超时与日志器。
  - MigrationStatus / MigrationInfo：迁移状态与摘要，摘要中包含
    尚未创建的协调表（MissingTables）。
  - CLI：面向 `axon migrate` 子命令的格式化输出层，Run 按名称分发。

# 工厂函数

NewMigratorFromConfig / NewMigratorFromDatabaseConfig 从应用配置创建
迁移器，NewMigratorFromURL 直接使用连接串。
*/
package migration
