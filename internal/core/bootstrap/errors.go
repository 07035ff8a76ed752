// Package bootstrap 创建主节点与从节点
//
// 主节点一次性创建共享资源（ConnectionBean）：分发器、发送器、监听传输、
// 连接预留与定时器服务。从节点引用同一个 ConnectionBean，只拥有自己的 PeerBean。
// 节点之间的父子关系保存在 Registry 中，按节点 ID 索引。
package bootstrap

import (
	"fmt"

	"github.com/dep2p/go-overlay/pkg/types"
)

var (
	// ErrShutdown 节点已关闭
	ErrShutdown = fmt.Errorf("%w: peer is shut down", types.ErrInvalidState)

	// ErrHasChildren 节点仍有从节点且策略为拒绝
	ErrHasChildren = fmt.Errorf("%w: peer still has attached slaves", types.ErrInvalidState)

	// ErrDuplicatePeer 节点 ID 已登记
	ErrDuplicatePeer = fmt.Errorf("%w: peer id already registered", types.ErrInvalidArgument)

	// ErrReleased 共享资源已全部释放
	ErrReleased = fmt.Errorf("%w: connection bean released", types.ErrInvalidState)
)
