// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
dagflow 是 DAG 任务编排引擎的命令行入口。

# 子命令

  - worker: 消费执行请求并推进工作流，同时暴露 /metrics 与 /health
  - start: 创建并启动已注册的工作流，输出工作流 ID
  - show: 打印工作流结构与节点状态，启用历史时附带执行记录
  - stop: 设置工作流的 stopped 标记
  - health: 检查运维端点
  - version: 版本信息

所有子命令接受 --config 指定 YAML 配置，环境变量 DAGFLOW_* 覆盖文件值。
*/
package main
