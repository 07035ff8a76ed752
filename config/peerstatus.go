package config

import (
	"errors"
	"time"
)

// PeerStatusConfig 节点状态缓存配置
type PeerStatusConfig struct {
	// OnlineTTL 在线记录的存活时间
	OnlineTTL Duration `json:"online_ttl"`

	// OfflineTTL 离线记录的存活时间，期间不再尝试该节点
	OfflineTTL Duration `json:"offline_ttl"`

	// MaxEntries 每类记录的最大条目数
	MaxEntries int `json:"max_entries"`

	// Segments 缓存分段数
	Segments int `json:"segments"`
}

// DefaultPeerStatusConfig 返回默认状态缓存配置
func DefaultPeerStatusConfig() PeerStatusConfig {
	return PeerStatusConfig{
		OnlineTTL:  Duration(60 * time.Second),
		OfflineTTL: Duration(60 * time.Second),
		MaxEntries: 1024,
		Segments:   16,
	}
}

// Validate 验证状态缓存配置
func (c PeerStatusConfig) Validate() error {
	if c.OnlineTTL <= 0 || c.OfflineTTL <= 0 {
		return errors.New("ttl must be positive")
	}
	if c.MaxEntries <= 0 || c.Segments <= 0 {
		return errors.New("max entries and segments must be positive")
	}
	return nil
}
