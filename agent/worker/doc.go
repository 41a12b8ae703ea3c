// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 worker 实现执行单元内部（子进程或子协程）的运行时循环。

# 概述

Runtime 只服务一条 ipc.Conn：首条消息必须是 initializeRequest，
随后按 case 分发消息，直到收到 shutdownRequest、作业结束、
孤儿计时器触发或父端断开连接。

# 核心类型

  - Registry：运行器工厂与作业入口的显式注册表，在启动时填充，
    取代按字符串动态加载模块。
  - Runner / RunnerFunc：推理运行器，Initialize 一次、Run 多次、Close 一次。
  - JobEntry：用户智能体代码入口。
  - Runtime：子端消息循环，持有孤儿计时器与推理协程池。

# 主要能力

  - 孤儿检测：默认 15 秒内未收到 pingRequest 即自行退出。
  - 推理隔离：运行器错误或 panic 转换为 inferenceResponse.error，
    不会导致子进程崩溃；未知 method 记录告警后跳过。
  - 并发初始化：使用 errgroup 并发初始化全部运行器。
  - 优雅关闭：取消作业与进行中的推理、关闭运行器，
    然后依次发送 exiting 与 done。
  - 进程入口：RunProcess 通过 stdin/stdout 承载 JSON 行协议，
    日志输出到 stderr，ExitCode 将结果映射为进程退出码。
*/
package worker
