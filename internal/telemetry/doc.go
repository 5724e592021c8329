// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，为工作流引擎提供
// TracerProvider、MeterProvider 以及节点执行与汇合调度使用的 span 辅助函数。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
