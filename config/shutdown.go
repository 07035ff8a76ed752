package config

import (
	"fmt"
	"time"
)

// 关闭策略
const (
	// ShutdownCascade 主节点关闭时先关闭全部从节点
	ShutdownCascade = "cascade"

	// ShutdownReject 仍有从节点时拒绝关闭主节点
	ShutdownReject = "reject"
)

// ShutdownConfig 关闭配置
type ShutdownConfig struct {
	// Policy 主节点仍有从节点时的策略：cascade 或 reject
	Policy string `json:"policy"`

	// Timeout 等待进行中的预留释放的最长时间
	Timeout Duration `json:"timeout"`
}

// DefaultShutdownConfig 返回默认关闭配置
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Policy:  ShutdownCascade,
		Timeout: Duration(10 * time.Second),
	}
}

// Validate 验证关闭配置
func (c ShutdownConfig) Validate() error {
	switch c.Policy {
	case ShutdownCascade, ShutdownReject:
	default:
		return fmt.Errorf("invalid shutdown policy %q: must be %s or %s", c.Policy, ShutdownCascade, ShutdownReject)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

// WithPolicy 设置关闭策略
func (c ShutdownConfig) WithPolicy(policy string) ShutdownConfig {
	c.Policy = policy
	return c
}
