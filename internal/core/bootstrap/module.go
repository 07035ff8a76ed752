package bootstrap

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/pkg/interfaces"
)

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	LC fx.Lifecycle

	// 配置（可选，使用默认配置）
	Config *config.Config `optional:"true"`

	Metrics    *metrics.Metrics                `optional:"true"`
	Discoverer interfaces.InterfaceDiscoverer  `optional:"true"`
	Listeners  []interfaces.PeerStatusListener `group:"peer_status_listeners"`
}

// ProvideMaster 创建主节点并在应用停止时关闭
func ProvideMaster(input ModuleInput) (*PeerCreator, error) {
	cfg := input.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}

	opts := []Option{WithMetrics(input.Metrics), WithListeners(input.Listeners...)}
	if input.Discoverer != nil {
		opts = append(opts, WithDiscoverer(input.Discoverer))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout.Duration())
	defer cancel()
	master, err := NewMaster(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	input.LC.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return master.Shutdown(ctx)
		},
	})
	return master, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("bootstrap",
		fx.Provide(ProvideMaster),
	)
}
