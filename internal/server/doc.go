// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 worker 进程的运维 HTTP 服务器。

Manager 封装 net/http.Server：Start 非阻塞监听，Shutdown 在
ShutdownTimeout 内优雅关闭，关闭后不可再次启动。

NewOpsHandler 构造运维路由：/metrics 通过 promhttp 暴露 Prometheus 指标，
/health 并发执行注册的健康检查（Redis Ping、审计库 Ping），任一失败返回 503。
*/
package server
