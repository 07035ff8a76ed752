// Package interfaces 定义 go-overlay 公共接口
//
// 本文件定义 Dispatcher 接口，把解码后的入站消息路由到对应节点的处理器。
package interfaces

import (
	"context"

	"github.com/dep2p/go-overlay/pkg/types"
)

// Handler 处理一条请求，返回响应
//
// fire-and-forget 请求返回 nil 响应。
type Handler func(ctx context.Context, req *types.Message) (*types.Message, error)

// Dispatcher 定义消息分发接口
//
// 处理器按 (peerID, onBehalfOf) 登记：主节点以自身 ID 登记，
// 从节点既可以自己登记，也可以由其他节点代为登记。
type Dispatcher interface {
	// RegisterHandlers 为 peerID 登记处理 cmds 的处理器
	RegisterHandlers(peerID, onBehalfOf types.PeerID, h Handler, cmds ...types.Command)

	// RemoveHandlers 移除 peerID 代表 onBehalfOf 登记的全部处理器
	RemoveHandlers(peerID, onBehalfOf types.PeerID)

	// HasHandlers 检查 peerID 是否还有登记的处理器
	HasHandlers(peerID types.PeerID) bool

	// Dispatch 分发请求，返回要回复的响应（可能为 nil）
	Dispatch(ctx context.Context, req *types.Message) *types.Message
}
