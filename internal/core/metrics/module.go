package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
)

// Params Metrics 依赖参数
type Params struct {
	fx.In

	Config   *config.Config        `optional:"true"`
	Registry prometheus.Registerer `optional:"true"`
}

// Module 是 metrics 的 Fx 模块
func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(NewFromParams),
	)
}

// NewFromParams 从参数创建 Metrics；关闭指标时返回 nil
func NewFromParams(p Params) (*Metrics, error) {
	cfg := config.DefaultMetricsConfig()
	if p.Config != nil {
		cfg = p.Config.Metrics
	}
	if !cfg.Enable {
		return nil, nil
	}
	reg := p.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return New(cfg.Namespace, reg)
}
