// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、故障容错与数据库三大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
工厂注册到指定 Registry（默认全局 Registry）。所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，同时实现 faulttolerance.Observer，
    把管理器事件转换为计数器。
  - FleetSource：管理器的只读视图，RegisterFleet 在每次抓取时
    采样各健康状态的智能体数量与恢复统计。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 故障容错指标：事件计数、健康状态转换、熔断器转换、
    恢复结果、任务结果与交接投递失败。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram。
*/
package metrics
