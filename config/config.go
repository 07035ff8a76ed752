// Package config 提供统一的配置管理
//
// 本包采用混合配置模式：
//   - 主 Config 结构体嵌入所有子配置
//   - 每个子配置在独立文件中定义，提供 DefaultXxxConfig() 与 Validate()
//   - 支持从 JSON 加载和保存配置
//
// 使用示例：
//
//	cfg := config.NewConfig()
//	cfg.Server.TCPPort = 7700
//	cfg.Heartbeat.AllIdleTime = config.Duration(30 * time.Second)
//
//	// 从 JSON 文件加载
//	cfg, err := config.LoadFile("overlay.json")
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config 是 go-overlay 节点的完整配置
//
// 配置按照功能模块组织：
//   - Network: 网络 ID 与地址绑定偏好
//   - Identity: 节点身份
//   - Server: 监听传输（TCP/UDP）
//   - Client: 出站连接与预留
//   - Heartbeat: 保持连接的心跳
//   - PeerStatus: 节点状态缓存
//   - Maintenance: 周期维护任务
//   - Shutdown: 关闭策略
//   - Metrics: 指标
type Config struct {
	// Network 网络配置
	Network NetworkConfig `json:"network"`

	// Identity 身份配置
	Identity IdentityConfig `json:"identity"`

	// Server 监听传输配置
	Server ServerConfig `json:"server"`

	// Client 出站连接配置
	Client ClientConfig `json:"client"`

	// Heartbeat 心跳配置
	Heartbeat HeartbeatConfig `json:"heartbeat"`

	// PeerStatus 节点状态缓存配置
	PeerStatus PeerStatusConfig `json:"peer_status"`

	// Maintenance 维护任务配置
	Maintenance MaintenanceConfig `json:"maintenance"`

	// Shutdown 关闭配置
	Shutdown ShutdownConfig `json:"shutdown"`

	// Metrics 指标配置
	Metrics MetricsConfig `json:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Network:     DefaultNetworkConfig(),
		Identity:    DefaultIdentityConfig(),
		Server:      DefaultServerConfig(),
		Client:      DefaultClientConfig(),
		Heartbeat:   DefaultHeartbeatConfig(),
		PeerStatus:  DefaultPeerStatusConfig(),
		Maintenance: DefaultMaintenanceConfig(),
		Shutdown:    DefaultShutdownConfig(),
		Metrics:     DefaultMetricsConfig(),
	}
}

// Validate 验证配置的有效性
//
// 返回的错误带有出错子配置的名称。
func (c *Config) Validate() error {
	subs := []struct {
		name string
		v    ValidateSubConfig
	}{
		{"network", c.Network},
		{"identity", c.Identity},
		{"server", c.Server},
		{"client", c.Client},
		{"heartbeat", c.Heartbeat},
		{"peer_status", c.PeerStatus},
		{"maintenance", c.Maintenance},
		{"shutdown", c.Shutdown},
		{"metrics", c.Metrics},
	}
	for _, s := range subs {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// FromJSON 从 JSON 数据创建配置，未出现的字段保持默认值
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadFile 从 JSON 文件加载并验证配置
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := FromJSON(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ToJSON 把配置序列化为缩进的 JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
