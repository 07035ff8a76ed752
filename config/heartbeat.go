package config

import (
	"errors"
	"time"
)

// HeartbeatConfig 心跳配置
type HeartbeatConfig struct {
	// AllIdleTime 保持连接的空闲阈值；0 表示关闭心跳
	//
	// 小于 500ms 时按 500ms 处理。
	AllIdleTime Duration `json:"all_idle_time"`
}

// DefaultHeartbeatConfig 返回默认心跳配置
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		AllIdleTime: Duration(15 * time.Second),
	}
}

// Validate 验证心跳配置
func (c HeartbeatConfig) Validate() error {
	if c.AllIdleTime < 0 {
		return errors.New("all idle time must not be negative")
	}
	return nil
}

// WithAllIdleTime 设置空闲阈值
func (c HeartbeatConfig) WithAllIdleTime(d time.Duration) HeartbeatConfig {
	c.AllIdleTime = Duration(d)
	return c
}
