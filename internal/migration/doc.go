// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理故障事件日志表的 Schema 版本，基于 golang-migrate。

PostgreSQL 与 MySQL 的 SQL 迁移文件通过 embed.FS 内嵌，迁移记录
写入 fleetguard_schema_migrations 表。SQLite 部署由 GORM AutoMigrate
建表，NewMigrator 对其返回 ErrManagedByAutoMigrate。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、Force、Version、Status、Info。
  - CLI：`fleetguard migrate <subcommand>` 的输出层。
  - ConfigFromDatabase：从应用数据库配置派生迁移配置。
*/
package migration
