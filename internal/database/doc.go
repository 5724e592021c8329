// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为节点状态审计历史提供基于 GORM 的连接池。

Open 按驱动名选择 postgres、mysql 或纯 Go 的 sqlite 方言；
Wrap 对已打开的 *gorm.DB 应用连接池参数（测试中配合 go-sqlmock）。

  - Pool：DB()、Ping()、Healthy()、Stats()、Close()。
  - Tx / TxRetry：事务执行；TxRetry 通过 internal/retry 对死锁、
    序列化冲突等瞬时错误做指数退避重试。
  - 后台探活：HealthCheckInterval > 0 时定时 Ping，仅在状态翻转时记录日志。
*/
package database
