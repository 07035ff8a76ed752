package config

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/dep2p/go-overlay/pkg/types"
)

// NetworkConfig 网络配置
//
// NetworkID 写入每条消息的 version 字段，不同网络的消息会被丢弃。
type NetworkConfig struct {
	// NetworkID 网络标识
	NetworkID uint32 `json:"network_id"`

	// Interfaces 只在这些网卡上发现地址；为空表示全部
	Interfaces []string `json:"interfaces,omitempty"`

	// IPv4 / IPv6 允许的地址族；都为 false 时视为都允许
	IPv4 bool `json:"ipv4"`
	IPv6 bool `json:"ipv6"`

	// AllowLoopback 允许使用回环地址
	AllowLoopback bool `json:"allow_loopback"`

	// ListenAny 监听通配地址
	ListenAny bool `json:"listen_any"`

	// ExternalAddress 手动指定外部地址，设置后跳过发现
	ExternalAddress string `json:"external_address,omitempty"`
}

// DefaultNetworkConfig 返回默认网络配置
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NetworkID: 1,
		IPv4:      true,
		IPv6:      false,
		ListenAny: true,
	}
}

// Validate 验证网络配置
func (c NetworkConfig) Validate() error {
	if c.NetworkID == 0 {
		return errors.New("network id must be non-zero")
	}
	if c.ExternalAddress != "" {
		if _, err := netip.ParseAddr(c.ExternalAddress); err != nil {
			return fmt.Errorf("invalid external address: %w", err)
		}
	}
	return nil
}

// Bindings 转换为绑定偏好
func (c NetworkConfig) Bindings() types.Bindings {
	b := types.Bindings{
		Interfaces:    append([]string(nil), c.Interfaces...),
		IPv4:          c.IPv4,
		IPv6:          c.IPv6,
		AllowLoopback: c.AllowLoopback,
		ListenAny:     c.ListenAny,
	}
	if c.ExternalAddress != "" {
		if addr, err := netip.ParseAddr(c.ExternalAddress); err == nil {
			b.ExternalAddress = addr.Unmap()
		}
	}
	return b
}
