package overlay

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/interfaces"
	"github.com/dep2p/go-overlay/pkg/types"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// 基础配置；为空时使用默认配置
	config *config.Config

	// 以下覆盖基础配置中的对应字段
	ports *struct {
		tcp, udp int
	}
	networkID       *uint32
	externalAddress string
	allowLoopback   *bool
	identityKeyFile string
	keyPassphrase   string
	behindFirewall  *bool
	heartbeat       *time.Duration
	maintenance     *bool

	// 组件替换
	discoverer interfaces.InterfaceDiscoverer
	registry   prometheus.Registerer
	listeners  []interfaces.PeerStatusListener

	// 用户扩展
	fxOptions []fx.Option
}

func newOptions() *options {
	return &options{}
}

// toConfig 合并基础配置与覆盖项
func (o *options) toConfig() (*config.Config, error) {
	cfg := o.config
	if cfg == nil {
		cfg = config.NewConfig()
	} else {
		cp := *cfg
		cfg = &cp
	}

	if o.ports != nil {
		cfg.Server = cfg.Server.WithPorts(o.ports.tcp, o.ports.udp)
	}
	if o.networkID != nil {
		cfg.Network.NetworkID = *o.networkID
	}
	if o.externalAddress != "" {
		cfg.Network.ExternalAddress = o.externalAddress
	}
	if o.allowLoopback != nil {
		cfg.Network.AllowLoopback = *o.allowLoopback
	}
	if o.identityKeyFile != "" {
		cfg.Identity.KeyFile = o.identityKeyFile
		cfg.Identity.GenerateKey = true
	}
	if o.keyPassphrase != "" {
		cfg.Identity.KeyPassphrase = o.keyPassphrase
	}
	if o.behindFirewall != nil {
		cfg.Server.BehindFirewall = *o.behindFirewall
	}
	if o.heartbeat != nil {
		cfg.Heartbeat = cfg.Heartbeat.WithAllIdleTime(*o.heartbeat)
	}
	if o.maintenance != nil {
		cfg.Maintenance.Enable = *o.maintenance
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              配置来源
// ════════════════════════════════════════════════════════════════════════════

// WithConfig 使用完整配置作为基础，其余选项在其上覆盖
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("%w: nil config", types.ErrInvalidArgument)
		}
		o.config = cfg
		return nil
	}
}

// WithConfigFile 从 JSON 文件加载基础配置
func WithConfigFile(path string) Option {
	return func(o *options) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		o.config = cfg
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              网络
// ════════════════════════════════════════════════════════════════════════════

// WithListenPorts 设置 TCP 与 UDP 监听端口；0 表示随机端口
func WithListenPorts(tcp, udp int) Option {
	return func(o *options) error {
		if tcp < 0 || tcp > 65535 || udp < 0 || udp > 65535 {
			return fmt.Errorf("%w: invalid ports %d/%d", types.ErrInvalidArgument, tcp, udp)
		}
		o.ports = &struct{ tcp, udp int }{tcp, udp}
		return nil
	}
}

// WithNetworkID 设置网络标识，不同网络的消息互相丢弃
func WithNetworkID(id uint32) Option {
	return func(o *options) error {
		if id == 0 {
			return fmt.Errorf("%w: network id must be non-zero", types.ErrInvalidArgument)
		}
		o.networkID = &id
		return nil
	}
}

// WithExternalAddress 手动指定对外地址，跳过网卡发现
func WithExternalAddress(addr string) Option {
	return func(o *options) error {
		o.externalAddress = addr
		return nil
	}
}

// WithLoopback 允许使用回环地址，本机测试时使用
func WithLoopback(allow bool) Option {
	return func(o *options) error {
		o.allowLoopback = &allow
		return nil
	}
}

// WithDiscoverer 替换出站地址发现
func WithDiscoverer(d interfaces.InterfaceDiscoverer) Option {
	return func(o *options) error {
		o.discoverer = d
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              身份与连接
// ════════════════════════════════════════════════════════════════════════════

// WithIdentityKeyFile 从密钥文件加载主节点身份，文件不存在时生成并保存
func WithIdentityKeyFile(path string) Option {
	return func(o *options) error {
		o.identityKeyFile = path
		return nil
	}
}

// WithIdentityPassphrase 设置密钥文件口令，密钥文件加密保存
func WithIdentityPassphrase(passphrase string) Option {
	return func(o *options) error {
		o.keyPassphrase = passphrase
		return nil
	}
}

// WithBehindFirewall 声明节点位于防火墙后，对外地址的 TCP 与 UDP 均标记为不可达
func WithBehindFirewall(firewalled bool) Option {
	return func(o *options) error {
		o.behindFirewall = &firewalled
		return nil
	}
}

// WithHeartbeat 设置保持连接的全空闲时间；0 关闭心跳
func WithHeartbeat(allIdle time.Duration) Option {
	return func(o *options) error {
		if allIdle < 0 {
			return fmt.Errorf("%w: negative heartbeat interval", types.ErrInvalidArgument)
		}
		o.heartbeat = &allIdle
		return nil
	}
}

// WithMaintenance 启用或关闭在线节点的周期探测
func WithMaintenance(enable bool) Option {
	return func(o *options) error {
		o.maintenance = &enable
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              观测与扩展
// ════════════════════════════════════════════════════════════════════════════

// WithMetricsRegistry 把指标登记到 reg；默认使用 prometheus 全局登记
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) error {
		o.registry = reg
		return nil
	}
}

// WithStatusListeners 为主节点登记额外的状态监听器
func WithStatusListeners(ls ...interfaces.PeerStatusListener) Option {
	return func(o *options) error {
		o.listeners = append(o.listeners, ls...)
		return nil
	}
}

// WithFxOptions 追加自定义 fx 选项
func WithFxOptions(opts ...fx.Option) Option {
	return func(o *options) error {
		o.fxOptions = append(o.fxOptions, opts...)
		return nil
	}
}
