// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentWorker 可执行入口。

# 概述

同一个二进制既是监督进程（serve），也是被监督进程重新拉起的执行单元
（child）。serve 加载配置、启动预热作业池与可选的共享推理执行器，
并在独立端口暴露 /metrics、/healthz 与作业/推理投递接口；child 通过
stdin/stdout 与父进程交换 JSON 行消息，日志写入 stderr。

# 主要能力

  - 子命令：serve、child、version
  - 配置热重载：日志级别即时生效，执行器相关配置需重启
  - 内置运行器 echo、word_count 与智能体 default-agent
  - 优雅关闭：信号监听 → 停止配置监听 → 关闭 HTTP → 关闭推理执行器
    → 关闭预热池 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
