package overlay

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/bootstrap"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/netaddr"
	"github.com/dep2p/go-overlay/pkg/interfaces"
)

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：metrics → netaddr → bootstrap → Node 注入。
// 主节点在 bootstrap 模块的构造中启动，应用停止时由生命周期钩子关闭。
func buildFxApp(cfg *config.Config, o *options, node *Node) *fx.App {
	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置注入
	// ════════════════════════════════════════════════════════════════════════
	modules := []fx.Option{
		fx.Supply(cfg),
	}
	if o.registry != nil {
		reg := o.registry
		modules = append(modules, fx.Provide(func() prometheus.Registerer { return reg }))
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 指标与地址发现
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, metrics.Module())
	if o.discoverer != nil {
		d := o.discoverer
		modules = append(modules, fx.Provide(func() interfaces.InterfaceDiscoverer { return d }))
	} else {
		modules = append(modules, netaddr.Module())
	}

	// ════════════════════════════════════════════════════════════════════════
	// 3. 主节点
	// ════════════════════════════════════════════════════════════════════════
	for _, l := range o.listeners {
		modules = append(modules, fx.Provide(fx.Annotate(
			func() interfaces.PeerStatusListener { return l },
			fx.ResultTags(`group:"peer_status_listeners"`),
		)))
	}
	modules = append(modules, bootstrap.Module())

	// ════════════════════════════════════════════════════════════════════════
	// 4. 用户扩展与 Node 注入
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, o.fxOptions...)
	modules = append(modules, fx.Invoke(node.attachMaster))

	// 禁用 Fx 日志输出
	modules = append(modules,
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)

	return fx.New(modules...)
}
