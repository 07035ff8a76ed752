package identity

import (
	"crypto/subtle"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	sha256 "github.com/minio/sha256-simd"

	"github.com/dep2p/go-overlay/pkg/types"
)

// PrivateKeySize 私钥字节长度
const PrivateKeySize = secp256k1.PrivKeyBytesLen

// ============================================================================
//                              KeyPair
// ============================================================================

// KeyPair secp256k1 密钥对
type KeyPair struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// GenerateKeyPair 生成新的密钥对
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &KeyPair{priv: priv, pub: priv.PubKey()}, nil
}

// KeyPairFromBytes 从 32 字节私钥恢复密钥对
func KeyPairFromBytes(raw []byte) (*KeyPair, error) {
	if len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, PrivateKeySize, len(raw))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidKey)
	}
	priv := secp256k1.NewPrivateKey(&scalar)
	return &KeyPair{priv: priv, pub: priv.PubKey()}, nil
}

// Bytes 返回私钥字节
func (k *KeyPair) Bytes() []byte {
	return k.priv.Serialize()
}

// PublicKey 返回压缩格式公钥（33 字节）
func (k *KeyPair) PublicKey() []byte {
	return k.pub.SerializeCompressed()
}

// PeerID 返回由公钥派生的节点 ID
func (k *KeyPair) PeerID() types.PeerID {
	return PeerIDFromPublicKey(k.PublicKey())
}

// Equal 比较两个密钥对
func (k *KeyPair) Equal(other *KeyPair) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.Bytes(), other.Bytes()) == 1
}

// Sign 对 data 的 SHA-256 摘要签名，返回 DER 编码签名
func (k *KeyPair) Sign(data []byte) []byte {
	digest := sha256.Sum256(data)
	return ecdsa.Sign(k.priv, digest[:]).Serialize()
}

// Verify 用公钥 pub（压缩或未压缩格式）验证签名
func Verify(pub, data, sig []byte) (bool, error) {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	digest := sha256.Sum256(data)
	return s.Verify(digest[:], key), nil
}

// ============================================================================
//                              PeerID 派生与绑定
// ============================================================================

// PeerIDFromPublicKey 派生节点 ID：SHA-256(公钥) 的前 20 字节
func PeerIDFromPublicKey(pub []byte) types.PeerID {
	digest := sha256.Sum256(pub)
	var id types.PeerID
	copy(id[:], digest[:types.PeerIDLength])
	return id
}

// Bind 校验节点 ID 与凭证的绑定
//
// kp 为 nil 表示节点不携带凭证，总是成功。
func Bind(id types.PeerID, kp *KeyPair) error {
	if id.IsEmpty() {
		return fmt.Errorf("%w: %v", types.ErrBind, types.ErrEmptyPeerID)
	}
	if kp == nil {
		return nil
	}
	if derived := kp.PeerID(); derived != id {
		return fmt.Errorf("%w: peer id %s does not match key (derived %s)",
			types.ErrBind, id.ShortString(), derived.ShortString())
	}
	return nil
}
