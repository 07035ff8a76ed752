package config

import (
	"errors"
	"time"
)

// ClientConfig 出站连接配置
//
// 并发的 TCP/UDP 出站连接受许可数限制，连接创建速率受令牌桶限制。
type ClientConfig struct {
	// MaxPermitsTCP / MaxPermitsUDP 并发出站连接上限
	MaxPermitsTCP int `json:"max_permits_tcp"`
	MaxPermitsUDP int `json:"max_permits_udp"`

	// CreationRate 每秒允许创建的连接数；0 表示不限制
	CreationRate float64 `json:"creation_rate"`

	// CreationBurst 令牌桶容量
	CreationBurst int `json:"creation_burst"`

	// ConnectTimeout 建立连接超时
	ConnectTimeout Duration `json:"connect_timeout"`

	// RequestTimeout 等待响应超时
	RequestTimeout Duration `json:"request_timeout"`
}

// DefaultClientConfig 返回默认出站配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxPermitsTCP:  250,
		MaxPermitsUDP:  250,
		CreationRate:   0,
		CreationBurst:  32,
		ConnectTimeout: Duration(3 * time.Second),
		RequestTimeout: Duration(5 * time.Second),
	}
}

// Validate 验证出站配置
func (c ClientConfig) Validate() error {
	if c.MaxPermitsTCP <= 0 || c.MaxPermitsUDP <= 0 {
		return errors.New("permits must be positive")
	}
	if c.CreationRate < 0 {
		return errors.New("creation rate must not be negative")
	}
	if c.CreationRate > 0 && c.CreationBurst <= 0 {
		return errors.New("creation burst must be positive when rate is limited")
	}
	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
