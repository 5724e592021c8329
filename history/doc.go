// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package history 提供节点状态变更的 SQL 审计轨迹。

Recorder 实现 workflow.TransitionRecorder，通过 internal/database 的 GORM
连接池把每次 enqueued / started / finished / failed 写入
dagflow_node_transitions 表，支持 PostgreSQL、MySQL 与 SQLite。

审计写入失败只会被引擎记录日志，不影响节点状态流转。

# 查询

  - ListByWorkflow：按时间顺序列出工作流的全部变更
  - ListByState：按状态列出最近的变更
  - Executions / Fold：把变更折叠为每个节点一条执行记录（耗时、尝试次数、错误）
  - Purge：清理过期记录
*/
package history
