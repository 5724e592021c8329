// Package config 提供 dagflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序加载，
// 覆盖命名空间、Redis 连接、锁租约与退避、Worker 并发、
// 审计数据库、日志、遥测与指标端点。
//
// Reloader 轮询配置文件，运行中仅应用日志级别与 Worker 拉取速率，
// 其余字段的变化需重启生效。
package config
