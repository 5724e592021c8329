// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的工作流引擎指标采集能力，覆盖
节点生命周期、汇合批次、后继锁与执行队列四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto.With
注册到调用方提供的 Registerer。所有指标按 namespace 隔离。
nil Collector 可安全调用，便于在未启用指标时直接传空。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等向量指标。

# 主要能力

  - 节点指标：派发次数（按 queue）、状态转换（按 class/state）、业务耗时。
  - 汇合指标：批次创建与回调触发次数，按 single/group 分组。
  - 锁指标：获取等待耗时与超时次数。
  - 队列指标：各队列积压深度 Gauge。
*/
package metrics
