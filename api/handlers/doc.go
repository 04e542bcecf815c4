// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 FleetGuard HTTP API 的请求处理器实现。

# 概述

handlers 把 faulttolerance.Manager、交接存储与事件日志暴露为 REST
与 websocket 端点。所有 Handler 遵循标准 net/http 接口，通过
Go 1.22 的 ServeMux 方法与路径模式注册路由。

# 核心类型

  - FleetHandler   : 智能体注册、心跳、任务结果、熔断器与检查点
  - HandoffHandler : 执行引擎轮询并确认恢复交接
  - EventsHandler  : websocket 实时事件流与事件日志查询
  - HealthHandler  : 存活与就绪探针（/health, /ready）
  - Response       : 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter : 捕获状态码，保留 Flush/Hijack

# 主要能力

  - 统一响应格式：WriteSuccess / WriteData / WriteError
  - 请求验证：DecodeJSONBody（1 MB 限制，拒绝未知字段）
  - ErrorCode → HTTP 状态码映射，非结构化错误一律 500 且不外泄原因
  - 半开熔断器的许可查询会占用唯一试探名额，因此是 POST
*/
package handlers
