package config

import (
	"errors"
	"time"
)

// ServerConfig 监听传输配置
type ServerConfig struct {
	// TCPPort / UDPPort 监听端口；0 表示由系统分配
	TCPPort int `json:"tcp_port"`
	UDPPort int `json:"udp_port"`

	// DisableTCP / DisableUDP 关闭对应监听
	DisableTCP bool `json:"disable_tcp"`
	DisableUDP bool `json:"disable_udp"`

	// BehindFirewall 节点位于防火墙后；对外地址的 TCP 与 UDP 均标记为防火墙后
	BehindFirewall bool `json:"behind_firewall"`

	// IdleTCPTimeout 入站 TCP 连接空闲超时
	IdleTCPTimeout Duration `json:"idle_tcp_timeout"`

	// MaxFrameSize 最大帧长度
	MaxFrameSize int `json:"max_frame_size"`

	// Compression 是否启用 s2 压缩
	Compression bool `json:"compression"`

	// CompressThreshold 压缩阈值
	CompressThreshold int `json:"compress_threshold"`

	// ReadBufferSize 单次读取的缓冲区大小
	ReadBufferSize int `json:"read_buffer_size"`
}

// DefaultServerConfig 返回默认监听配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           7700,
		UDPPort:           7700,
		IdleTCPTimeout:    Duration(5 * time.Minute),
		MaxFrameSize:      4 << 20,
		Compression:       false,
		CompressThreshold: 512,
		ReadBufferSize:    64 << 10,
	}
}

// Validate 验证监听配置
func (c ServerConfig) Validate() error {
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return errors.New("tcp port out of range")
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		return errors.New("udp port out of range")
	}
	if c.DisableTCP && c.DisableUDP {
		return errors.New("at least one of tcp and udp must be enabled")
	}
	if c.IdleTCPTimeout < 0 {
		return errors.New("idle tcp timeout must not be negative")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("max frame size must be positive")
	}
	if c.ReadBufferSize <= 0 || c.ReadBufferSize > 65535+1 {
		return errors.New("read buffer size must be in (0, 65536]")
	}
	return nil
}

// WithPorts 设置 TCP/UDP 监听端口
func (c ServerConfig) WithPorts(tcp, udp int) ServerConfig {
	c.TCPPort = tcp
	c.UDPPort = udp
	return c
}

// WithCompression 启用 s2 压缩
func (c ServerConfig) WithCompression(threshold int) ServerConfig {
	c.Compression = true
	c.CompressThreshold = threshold
	return c
}
