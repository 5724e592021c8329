// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供基于 Redis 的 DAG 任务编排引擎。

# 概述

工作流由若干节点（Node）和嵌套子工作流组成，节点之间通过 After/Before
声明依赖边。工作流在 Setup 阶段一次性解析依赖，持久化到 Redis 后启动，
没有前驱的根节点被派发到执行队列。节点在任意 worker 上执行完成后，
引擎按回调模式推进后继节点：

  - CallbackImmediate（"build-in"）: 节点完成后直接检查自己的后继，
    每个后继在 (scopeId, name) 锁下检查就绪并派发。
  - CallbackBatched（"sk-batch"，默认）: 由 JoinEngine 按汇合键分组，
    每组创建一个批次，批次内全部成员成功后恰好触发一次下一波推进。

子工作流作为父图中的一个节点参与调度，其叶子节点完成后沿子工作流
自身的出边继续推进父图，并把叶子输出作为 Payload 传递给后继。

# 核心类型

  - Engine      ：组合根，持有 Store、JoinEngine、Registry、Dispatcher
  - Registry    ：classIdentity 到 Job 工厂 / 工作流配置函数的映射
  - Workflow    ：DAG 容器：Run、Setup、Persist、Start、Status、Payloads
  - Node        ：执行单元：生命周期时间戳、输出与前驱 Payload
  - Store       ：Redis 键布局、记录读写、子工作流扫描、租约锁
  - JoinEngine  ：批次汇合协议（ProcessNextStep / StartSingle / Complete）
  - Dispatcher  ：执行请求出口，默认 RedisDispatcher 写入列表队列
  - Worker      ：消费队列并调用 Engine.Perform

# 键布局

	<ns>.jobs.<workflowId>.<class>              hash, field = node id
	<ns>.workflows.<id>.<class>[.<parentId>]    workflow record
	<ns>.lock.<scopeId>-<name>                  lease lock, value = owner token
	<ns>.batches.<batchId>                      join batch hash
	<ns>.queue.<queue>                          execution request list
*/
package workflow
