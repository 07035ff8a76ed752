package config

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-overlay/pkg/types"
)

// IdentityConfig 身份配置
//
// 密钥对是可选的不透明凭证：设置 KeyFile 或 GenerateKey 时，
// 节点 ID 由公钥派生并在启动时校验绑定。
type IdentityConfig struct {
	// PeerID 指定节点 ID（Base58）；为空时由密钥派生或随机生成
	PeerID string `json:"peer_id,omitempty"`

	// KeyFile secp256k1 私钥文件（32 字节十六进制）
	KeyFile string `json:"key_file,omitempty"`

	// KeyPassphrase 密钥文件口令；非空时密钥文件加密保存
	KeyPassphrase string `json:"key_passphrase,omitempty"`

	// GenerateKey 没有 KeyFile 时是否生成临时密钥
	GenerateKey bool `json:"generate_key"`
}

// DefaultIdentityConfig 返回默认身份配置
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		GenerateKey: true,
	}
}

// Validate 验证身份配置
func (c IdentityConfig) Validate() error {
	if c.PeerID != "" {
		if _, err := types.ParsePeerID(c.PeerID); err != nil {
			return fmt.Errorf("invalid peer id: %w", err)
		}
	}
	if c.KeyFile != "" && c.PeerID != "" {
		return errors.New("peer id cannot be combined with a key file; it is derived from the key")
	}
	if c.KeyPassphrase != "" && c.KeyFile == "" {
		return errors.New("key passphrase requires a key file")
	}
	return nil
}
