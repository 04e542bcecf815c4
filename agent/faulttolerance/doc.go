// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package faulttolerance 负责 agent 集群的故障检测与恢复。

# 概述

Manager 是对外门面，组合以下组件：

  - AgentRegistry：按 agent id 分片的注册表，每个 agent 持有独立锁
  - HealthMonitor：心跳记录与周期扫描，Healthy -> Unresponsive -> Failed
  - CircuitBreaker：按 agent 的熔断器，HalfOpen 状态只放行一个试探任务
  - CheckpointStore：按任务保留最近 N 个检查点，读写均为深拷贝
  - RecoveryOrchestrator：对 Failed agent 依次尝试重启、任务迁移、回滚

故障检测只负责入队，恢复在独立 goroutine 中执行，扫描永不阻塞。

# 时钟

所有超时与延迟都经过 Clock 接口。测试使用 ManualClock 推进时间，
到期的回调在调用 Advance 的 goroutine 上同步执行。

# 事件

每次状态转换都会生成 Event，同步分发给 Observer，
并通过 Subscribe 返回的缓冲通道推送给订阅者，缓冲满时丢弃。
*/
package faulttolerance
