package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/identity")

// ============================================================================
//                              密钥文件
// ============================================================================

// 密钥文件是一行文本：
//
//   明文：   <私钥十六进制>
//   加密：   argon2id:<hex(salt | nonce | AES-GCM 密文)>
//
// 加密密钥由口令经 Argon2id 派生。
const (
	encryptedPrefix = "argon2id:"

	saltSize  = 16
	nonceSize = 12

	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// SaveKeyFile 保存私钥，文件权限 0600；passphrase 非空时加密
//
// 使用临时文件加 rename 写入，避免留下半个文件。
func SaveKeyFile(path string, kp *KeyPair, passphrase string) error {
	if kp == nil {
		return ErrNilKeyPair
	}
	text := hex.EncodeToString(kp.Bytes())
	if passphrase != "" {
		sealed, err := seal(kp.Bytes(), passphrase)
		if err != nil {
			return err
		}
		text = encryptedPrefix + hex.EncodeToString(sealed)
	}
	return atomicWriteFile(path, []byte(text+"\n"), 0600)
}

// LoadKeyFile 读取私钥文件；加密文件需要 passphrase
func LoadKeyFile(path, passphrase string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	text := strings.TrimSpace(string(data))

	if sealedHex, ok := strings.CutPrefix(text, encryptedPrefix); ok {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		sealed, err := hex.DecodeString(sealedHex)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		raw, err := open(sealed, passphrase)
		if err != nil {
			return nil, err
		}
		return KeyPairFromBytes(raw)
	}

	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeyPairFromBytes(raw)
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal 返回 salt | nonce | 密文
func seal(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("生成盐值失败: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("生成 nonce 失败: %w", err)
	}
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func open(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < saltSize+nonceSize {
		return nil, fmt.Errorf("%w: encrypted key too short", ErrInvalidKey)
	}
	salt, nonce, ciphertext := sealed[:saltSize], sealed[saltSize:saltSize+nonceSize], sealed[saltSize+nonceSize:]
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("设置文件权限失败: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("重命名文件失败: %w", err)
	}
	success = true
	return nil
}

// ============================================================================
//                              按配置解析身份
// ============================================================================

// Resolve 按身份配置得到节点 ID 与可选密钥对
//
//   - KeyFile：加载密钥；文件不存在且 GenerateKey 时生成并保存
//   - PeerID：使用指定 ID，不携带凭证
//   - GenerateKey：生成临时密钥
//   - 都没有：随机 ID，不携带凭证
func Resolve(cfg config.IdentityConfig) (types.PeerID, *KeyPair, error) {
	switch {
	case cfg.KeyFile != "":
		kp, err := LoadKeyFile(cfg.KeyFile, cfg.KeyPassphrase)
		if errors.Is(err, ErrKeyNotFound) && cfg.GenerateKey {
			if kp, err = GenerateKeyPair(); err != nil {
				return types.EmptyPeerID, nil, err
			}
			if err := SaveKeyFile(cfg.KeyFile, kp, cfg.KeyPassphrase); err != nil {
				return types.EmptyPeerID, nil, err
			}
			logger.Info("已生成新密钥", "file", cfg.KeyFile, "peer", kp.PeerID().ShortString())
		} else if err != nil {
			return types.EmptyPeerID, nil, fmt.Errorf("load key file %s: %w", cfg.KeyFile, err)
		}
		return kp.PeerID(), kp, nil

	case cfg.PeerID != "":
		id, err := types.ParsePeerID(cfg.PeerID)
		if err != nil {
			return types.EmptyPeerID, nil, err
		}
		return id, nil, nil

	case cfg.GenerateKey:
		kp, err := GenerateKeyPair()
		if err != nil {
			return types.EmptyPeerID, nil, err
		}
		return kp.PeerID(), kp, nil

	default:
		return types.RandomPeerID(), nil, nil
	}
}
