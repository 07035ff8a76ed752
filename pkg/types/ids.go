// Package types 定义 go-overlay 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerIDLength PeerID 字节长度（160 位）
const PeerIDLength = 20

// PeerID 节点唯一标识符（160 位）
//
// 外部表示格式：
//   - String(): Base58 编码
//   - ShortString(): Base58 前 8 个字符，用于日志
type PeerID [PeerIDLength]byte

// EmptyPeerID 空节点 ID
var EmptyPeerID PeerID

// String 返回 PeerID 的 Base58 字符串表示
func (id PeerID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 PeerID 的短字符串表示
func (id PeerID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes 返回 PeerID 的字节切片副本
func (id PeerID) Bytes() []byte {
	b := make([]byte, PeerIDLength)
	copy(b, id[:])
	return b
}

// IsEmpty 检查 PeerID 是否为空
func (id PeerID) IsEmpty() bool {
	return id == EmptyPeerID
}

// Compare 按字节序比较两个 PeerID
func (id PeerID) Compare(other PeerID) int {
	return bytes.Compare(id[:], other[:])
}

// Xor 返回两个 PeerID 的异或距离
func (id PeerID) Xor(other PeerID) PeerID {
	var out PeerID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// PeerIDFromBytes 从字节切片创建 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != PeerIDLength {
		return EmptyPeerID, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPeerID, PeerIDLength, len(b))
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

// ParsePeerID 从 Base58 字符串解析 PeerID
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return EmptyPeerID, ErrEmptyPeerID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return EmptyPeerID, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerIDFromBytes(b)
}

// MustParsePeerID 解析 PeerID，失败时 panic（仅用于测试和常量）
func MustParsePeerID(s string) PeerID {
	id, err := ParsePeerID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// RandomPeerID 生成随机 PeerID
func RandomPeerID() PeerID {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return id
}
