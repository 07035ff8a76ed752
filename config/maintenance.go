package config

import (
	"errors"
	"time"
)

// MaintenanceConfig 维护任务配置
//
// 维护任务周期性地探测在线节点，刷新或降级它们的状态。
type MaintenanceConfig struct {
	// Enable 是否启用
	Enable bool `json:"enable"`

	// Interval 执行间隔
	Interval Duration `json:"interval"`

	// MaxProbes 每轮最多探测的节点数
	MaxProbes int `json:"max_probes"`
}

// DefaultMaintenanceConfig 返回默认维护配置
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Enable:    true,
		Interval:  Duration(30 * time.Second),
		MaxProbes: 16,
	}
}

// Validate 验证维护配置
func (c MaintenanceConfig) Validate() error {
	if !c.Enable {
		return nil
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.MaxProbes <= 0 {
		return errors.New("max probes must be positive")
	}
	return nil
}
