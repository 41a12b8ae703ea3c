// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供监督进程的 HTTP 端点：Prometheus 指标、执行器健康报告，
以及向预热池投递作业、向共享推理执行器发起推理的入口。

# 核心类型

  - Manager：封装 net/http.Server，提供非阻塞 Start、幂等 Shutdown
    与异步错误通道 Errors。
  - Sources：处理器的数据来源，包括 prometheus.Gatherer、ProcPool
    与 InferenceExecutor，为 nil 的来源对应的路由不注册。
  - HealthReport / ExecutorStatus：/healthz 的响应体，逐个列出执行器
    的状态、PID、最近一次 RTT 与内存采样。

# 路由

  - GET /metrics：promhttp 导出指标。
  - GET /healthz：推理执行器未处于 running 时返回 503 与 degraded。
  - POST /jobs：请求体为 RunningJobInfo，交给预热执行器运行。
  - POST /inference/{method}：请求体原样转发给对应运行器。
*/
package server
