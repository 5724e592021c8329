// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 dagflow 测试的共享工具。

  - NewRedis: 启动 miniredis 并返回 kvstore 客户端
  - TestContext: 带超时并自动取消的上下文
  - AssertEventuallyTrue: 轮询等待条件满足
*/
package testutil
