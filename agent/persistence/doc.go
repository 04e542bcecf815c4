// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 为故障容错管理器提供恢复交接（handoff）与事件日志的持久化实现。

# 概述

故障容错管理器在重新分配或回滚任务时会产生 Handoff，本包负责把这些交接记录
可靠地保存下来，直到执行引擎确认（Ack）处理完成；同时把管理器发出的全部事件
写入 SQL 日志表，供审计与事后分析。

# 核心接口

  - Store: 所有存储的基础接口，提供 Close 和 Ping 健康检查。
  - HandoffStore: 交接持久化接口，实现 faulttolerance.HandoffSink，
    支持查询、待处理列表、确认、失败重试（指数退避）与过期清理。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - Redis: 基于 Redis 的实现，JSON 文档 + Sorted Set 索引，
    新交接同时写入 Redis Stream，执行引擎可通过 XREAD 订阅。
  - EventJournal: 基于 GORM 的事件日志，异步批量写入，
    支持 PostgreSQL / MySQL / SQLite。

# 使用方式

	store, err := persistence.NewHandoffStore(config)
	mgr, err := faulttolerance.New(cfg, faulttolerance.WithHandoffSink(store))

	journal, err := persistence.NewEventJournal(db, persistence.DefaultJournalConfig(), logger)
	mgr, err := faulttolerance.New(cfg, faulttolerance.WithObserver(journal))
*/
package persistence
