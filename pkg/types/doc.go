// Package types 定义 go-overlay 的公共数据结构
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
//
// # 文件组织
//
//   - ids.go      - PeerID（160 位，Base58 文本形式）
//   - address.go  - PeerSocketAddress, PeerAddress
//   - bindings.go - Bindings 绑定偏好, DiscoverResult
//   - message.go  - MessageType, Command, Message
//   - status.go   - PeerStatus, FailReason
//   - errors.go   - 公共哨兵错误
//
// # 设计原则
//
//  1. 不可变性：PeerAddress 的修改操作返回新值
//  2. 可比较性：PeerID 与 PeerSocketAddress 可作为 map key
//  3. 零依赖：不依赖任何其他内部包
//
// # 使用示例
//
//	id := types.RandomPeerID()
//	addr := types.NewPeerAddress(id,
//	    types.NewPeerSocketAddress(netip.MustParseAddr("10.0.0.1"), 7700, 7700))
//	req := types.NewRequest(networkID, types.CommandPing, self, addr)
package types
