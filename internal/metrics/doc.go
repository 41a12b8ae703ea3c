// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的执行器指标采集能力，覆盖
生命周期、健康监控、推理与进程池四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用
promauto.With 注册到调用方提供的 Registerer（为 nil 时使用默认
Registry），测试可使用独立 Registry 避免重复注册。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，所有记录方法对 nil 接收者安全。

# 主要能力

  - 生命周期指标：状态转换、单元启动、强制终止（按原因分组）。
  - 健康指标：心跳往返时延、心跳超时计数、内存采样 Gauge、
    因单元不存活被跳过的 IPC 消息数。
  - 推理指标：请求总数（success/error）、请求耗时、等待中请求数。
  - 进程池指标：空闲预热执行器数量。
*/
package metrics
