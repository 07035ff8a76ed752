// Package interfaces 定义 go-overlay 公共接口
//
// 本文件定义 Sender 接口，负责出站请求。
package interfaces

import (
	"context"

	"github.com/dep2p/go-overlay/pkg/types"
)

// Sender 定义出站发送接口
//
// Sender 与管道机制无关：接收已构造的消息及目标地址（msg.Recipient），
// 交给传输层发送并等待响应。
type Sender interface {
	// SendTCP 通过 TCP 发送请求并等待响应
	SendTCP(ctx context.Context, msg *types.Message) (*types.Message, error)

	// SendUDP 通过 UDP 发送请求并等待响应
	SendUDP(ctx context.Context, msg *types.Message) (*types.Message, error)

	// FireAndForgetUDP 通过 UDP 发送请求，不等待响应
	FireAndForgetUDP(ctx context.Context, msg *types.Message) error

	// Close 关闭所有保持连接
	Close() error
}
