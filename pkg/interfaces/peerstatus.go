// Package interfaces 定义 go-overlay 公共接口
//
// 本文件定义 PeerStatusListener 接口。
package interfaces

import "github.com/dep2p/go-overlay/pkg/types"

// PeerStatusListener 接收节点状态变化通知
//
// 实现必须是并发安全的，通知可能来自任意连接的 goroutine。
type PeerStatusListener interface {
	// PeerFailed 与 remote 交互失败
	PeerFailed(remote types.PeerAddress, reason types.FailReason)

	// PeerFound 与 remote 交互成功；referrer 为引荐方，直接交互时等于 remote
	PeerFound(remote, referrer types.PeerAddress)
}
