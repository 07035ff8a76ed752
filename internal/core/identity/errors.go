// Package identity 实现可选的节点凭证
//
// 节点可以携带一个 secp256k1 密钥对。携带密钥时，节点 ID 由公钥派生：
// SHA-256(压缩公钥) 的前 20 字节。启动时校验节点 ID 与密钥绑定一致。
package identity

import "errors"

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrNilKeyPair 密钥对为 nil
	ErrNilKeyPair = errors.New("key pair is nil")

	// ErrInvalidKey 私钥字节无效
	ErrInvalidKey = errors.New("invalid private key")

	// ErrKeyNotFound 密钥文件不存在
	ErrKeyNotFound = errors.New("key not found")

	// ErrPassphraseRequired 加密的密钥文件缺少口令
	ErrPassphraseRequired = errors.New("key file is encrypted: passphrase required")

	// ErrWrongPassphrase 口令错误或密钥文件被篡改
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

	// ErrBadSignature 签名无法解析
	ErrBadSignature = errors.New("malformed signature")
)
