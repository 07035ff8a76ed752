// Package interfaces 定义 go-overlay 公共接口
//
// 本文件定义 ProbeFactory 接口，心跳监控通过它构造探测消息。
package interfaces

import "github.com/dep2p/go-overlay/pkg/types"

// ProbeFactory 构造存活探测消息
//
// 心跳监控不了解消息内部结构，只通过工厂得到探测消息。
type ProbeFactory interface {
	// Create 构造发往 remote 的探测消息
	Create(remote types.PeerAddress) (*types.Message, error)
}
