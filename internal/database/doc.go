// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库接入，服务于故障事件日志。

# 核心类型

  - Open：按驱动（postgres、mysql、sqlite）打开连接并应用连接池参数，
    sqlite 使用纯 Go 驱动且限制为单连接。
  - GormLogger：把 GORM 日志转为 zap 输出，并通过 QueryRecorder
    上报每条 SQL 的耗时。
  - PoolManager：连接池管理器，提供 Ping、统计、事务与带退避的
    事务重试；后台健康检查通过 StatsRecorder 上报连接数。
  - PoolConfig：连接池配置与校验。

# 可重试错误

死锁、序列化失败、连接重置、锁等待超时、SQLite 忙以及
driver: bad connection 会触发 WithTransactionRetry 的指数退避重试。
*/
package database
