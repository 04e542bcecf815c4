// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 FleetGuard 服务端程序入口。

# 概述

cmd/fleetguard 把故障容错管理器、交接存储、事件日志与 HTTP API 组装为
一个进程，提供 serve、migrate、health、version 子命令。

# 核心类型

  - Server    : 按依赖顺序构建组件，运行 API 与 Metrics 双端口，负责优雅关闭
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler
  - JWTConfig : HS256 Bearer Token 校验参数

# 主要能力

  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、RateLimiter、APIKeyAuth、JWTAuth
  - 定期维护：清理已确认的交接，按保留期裁剪事件日志
  - 配置热重载：监听配置文件，日志级别即时生效
  - 优雅关闭：停止 HTTP → 停止管理器 → 关闭日志与存储 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
