// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 fleetguard 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent/faulttolerance、
agent/persistence、api、config 等上层模块提供统一的错误契约与
Context 传播工具，以避免循环依赖。

# 核心类型

  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable、AgentID 标记

# 主要能力

  - 错误工具链：AsError / IsCode / GetErrorCode / IsRetryable
  - 常用错误构造：NewAgentNotFoundError / NewInvalidRequestError / Errorf
  - Context 传播：WithRequestID / WithOperator / WithRoles
*/
package types
