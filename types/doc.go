// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 worker 运行时的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent/ipc、agent/executor、
agent/worker 等模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 Retryable 标记与 Cause 链
  - Error.Is：按错误码匹配，使包级哨兵错误可直接用于 errors.Is

# 主要能力

  - 生命周期错误码：ALREADY_STARTED、ALREADY_CLOSED、INITIALIZE_TIMEOUT 等
  - 作业错误码：ALREADY_RUNNING_JOB、STATUS_UNAVAILABLE
  - IPC 与推理错误码：PROTOCOL_ERROR、UNIT_UNAVAILABLE、INFERENCE_FAILED 等
  - 错误工具链：GetErrorCode / IsErrorCode / IsRetryable
*/
package types
