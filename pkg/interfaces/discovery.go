// Package interfaces 定义 go-overlay 公共接口
//
// 本文件定义 InterfaceDiscoverer 接口，用于发现本机出站地址。
package interfaces

import (
	"context"

	"github.com/dep2p/go-overlay/pkg/types"
)

// InterfaceDiscoverer 定义出站网络接口发现
type InterfaceDiscoverer interface {
	// Discover 按绑定偏好查找最佳出站地址
	//
	// 找不到地址时 Found 为 false，Status 说明原因；error 只用于发现过程本身失败。
	Discover(ctx context.Context, bindings types.Bindings) (types.DiscoverResult, error)
}
