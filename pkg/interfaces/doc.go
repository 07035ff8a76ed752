// Package interfaces 定义 go-overlay 的公共接口
//
// 接口按实现目录划分（一个接口文件 = 一个实现目录）：
//   - channel.go     - 传输通道（internal/core/transport/tcp, udp）
//   - dispatcher.go  - 入站请求分发（internal/core/dispatcher）
//   - sender.go      - 出站请求发送（internal/core/sender）
//   - discovery.go   - 出站地址发现（internal/core/netaddr）
//   - probe.go       - 心跳探测消息工厂（internal/core/heartbeat）
//   - peerstatus.go  - 节点状态监听（internal/core/peerstatus）
//
// 本包仅包含纯接口定义，数据结构定义在 pkg/types 包中。
package interfaces
