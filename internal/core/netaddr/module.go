package netaddr

import (
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/pkg/interfaces"
)

// Module 返回 netaddr fx 模块
//
// 未另行提供 InterfaceDiscoverer 时使用系统网卡发现。
func Module() fx.Option {
	return fx.Module("netaddr",
		fx.Provide(
			fx.Annotate(
				func() *Discoverer { return NewDiscoverer() },
				fx.As(new(interfaces.InterfaceDiscoverer)),
			),
		),
	)
}
