// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动、
优雅关闭与多服务器编排。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道，提供 Start/StartTLS/Shutdown 等生命周期方法。
  - Config：服务器配置，包含监听地址、读写超时、空闲超时、
    最大请求头大小与优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start/StartTLS 在后台 goroutine 中运行服务。
  - TLS：StartTLS 使用 tlsutil 的加固配置（TLS 1.2+，仅 AEAD）。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空。
  - 编排：Serve 同时运行 API 与指标服务器，任一失败或上下文取消时
    并发关闭全部服务器。
  - Addr 在启动后返回实际绑定地址，便于使用 :0 端口测试。
*/
package server
