// Package telemetry 初始化 OpenTelemetry SDK，为 AgentWorker 的监督进程与
// 子进程提供 TracerProvider 和 MeterProvider。推理请求的 span 通过全局
// TracerProvider 导出；禁用时保持 noop，不连接任何外部服务。
package telemetry
