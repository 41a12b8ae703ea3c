// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 executor 提供执行单元的父端监管：启动、初始化握手、健康检查与关闭。

# 概述

每个 Supervisor 独占一个 Unit（子进程 ProcessUnit 或子协程 ThreadUnit），
状态机为 idle → starting → initializing → running → closing → closed，
初始化超时或启动失败进入 failed。任何退出路径都会停止计时器并释放管道。

# 核心类型

  - Supervisor：状态机、接收循环与按 case 的消息分发。
  - HealthMonitor：单一 ticker 发送 ping、采样内存；
    无 pong 与高延迟仅告警，超过内存上限按 MemoryLimitPolicy 处理。
  - JobExecutor：ProcJobExecutor 与 ThreadJobExecutor，
    每个执行器最多承载一个作业，通过 NewJobExecutor 按 Kind 选择。
  - InferenceExecutor：按 requestId 关联请求与响应的推理多路复用。
  - ProcPool：维持 NumIdle 个预热执行器，限制并发初始化数量。

# 错误

所有哨兵错误均为 types.Error，可通过 errors.Is 按错误码匹配；
运行器返回的错误包装为 InferenceError，并可匹配 ErrInference。
*/
package executor
