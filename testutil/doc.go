// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 FleetGuard 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现相似的
测试基础设施。faulttolerance 包自身的测试不能导入本包（会形成导入环），
其余包的测试应优先使用这里的工具。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual / AssertEventuallyTrue
  - 等待工具: WaitFor / WaitForChannel
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: RecordingSink（HandoffSink）与 EventRecorder（Observer），
    记录调用并支持错误注入
  - testutil/fixtures: 测试数据工厂，提供固定时间基准、交接与事件样例

# 使用示例

	ctx := testutil.TestContext(t)
	sink := mocks.NewRecordingSink()
	require.NoError(t, sink.Deliver(ctx, fixtures.Handoff("h1", faulttolerance.HandoffRollback)))
*/
package testutil
