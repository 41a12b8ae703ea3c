// Package config 提供 AgentWorker 的配置管理功能。
//
// 包含配置加载、默认值、校验与配置文件变更监听。
// 支持从 YAML 文件和环境变量（AGENTWORKER_ 前缀）加载配置，
// 监听到文件变更时由调用方决定如何应用新配置。
package config
