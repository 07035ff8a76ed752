package codec

import (
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-overlay/internal/core/pipeline"
	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

// 消息字段编号
const (
	fieldID        protowire.Number = 1
	fieldVersion   protowire.Number = 2
	fieldType      protowire.Number = 3
	fieldCommand   protowire.Number = 4
	fieldSender    protowire.Number = 5
	fieldRecipient protowire.Number = 6
	fieldKeepAlive protowire.Number = 7
	fieldPayload   protowire.Number = 8
)

// 地址字段编号
const (
	addrPeerID protowire.Number = 1
	addrSocket protowire.Number = 2
	addrFlags  protowire.Number = 3
	addrRelay  protowire.Number = 4

	socketIP  protowire.Number = 1
	socketTCP protowire.Number = 2
	socketUDP protowire.Number = 3
)

const (
	flagFirewalledTCP = 1 << iota
	flagFirewalledUDP
	flagRelayed
)

const requiredFields = 1<<fieldID | 1<<fieldVersion | 1<<fieldType | 1<<fieldCommand

// ============================================================================
//                              MessageCodec
// ============================================================================

// MessageCodec 双工消息编解码：*types.Message 与字节互转
type MessageCodec struct{}

var (
	_ pipeline.InboundHandler  = MessageCodec{}
	_ pipeline.OutboundHandler = MessageCodec{}
)

// Read 实现 pipeline.InboundHandler
func (MessageCodec) Read(ctx *pipeline.HandlerContext, msg any) error {
	in, ok := msg.(*bytebuf.ByteBuf)
	if !ok {
		return ctx.FireRead(msg)
	}
	m, err := DecodeMessage(in.Bytes())
	if err != nil {
		return err
	}
	_ = in.SkipBytes(in.ReadableBytes())
	m.UDP = !ctx.Pipeline().IsTCP()
	return ctx.FireRead(m)
}

// Write 实现 pipeline.OutboundHandler
func (MessageCodec) Write(ctx *pipeline.HandlerContext, msg any) error {
	m, ok := msg.(*types.Message)
	if !ok {
		return ctx.FireWrite(msg)
	}
	return ctx.FireWrite(bytebuf.Wrap(EncodeMessage(m)))
}

// ============================================================================
//                              编码
// ============================================================================

// EncodeMessage 把消息编码为 protobuf 线格式
func EncodeMessage(m *types.Message) []byte {
	var b []byte
	b = appendVarint(b, fieldID, uint64(m.ID))
	b = appendVarint(b, fieldVersion, uint64(m.Version))
	b = appendVarint(b, fieldType, uint64(m.Type))
	b = appendVarint(b, fieldCommand, uint64(m.Command))
	b = appendBytes(b, fieldSender, encodeAddress(m.Sender))
	b = appendBytes(b, fieldRecipient, encodeAddress(m.Recipient))
	if m.KeepAlive {
		b = appendVarint(b, fieldKeepAlive, 1)
	}
	if len(m.Payload) > 0 {
		b = appendBytes(b, fieldPayload, m.Payload)
	}
	return b
}

func encodeAddress(a types.PeerAddress) []byte {
	var b []byte
	if !a.PeerID.IsEmpty() {
		b = appendBytes(b, addrPeerID, a.PeerID[:])
	}
	if a.Socket.IsValid() {
		b = appendBytes(b, addrSocket, encodeSocket(a.Socket))
	}
	var flags uint64
	if a.FirewalledTCP {
		flags |= flagFirewalledTCP
	}
	if a.FirewalledUDP {
		flags |= flagFirewalledUDP
	}
	if a.Relayed {
		flags |= flagRelayed
	}
	if flags != 0 {
		b = appendVarint(b, addrFlags, flags)
	}
	for _, r := range a.Relays {
		b = appendBytes(b, addrRelay, encodeSocket(r))
	}
	return b
}

func encodeSocket(s types.PeerSocketAddress) []byte {
	var b []byte
	b = appendBytes(b, socketIP, s.IP.AsSlice())
	b = appendVarint(b, socketTCP, uint64(s.TCPPort))
	b = appendVarint(b, socketUDP, uint64(s.UDPPort))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// ============================================================================
//                              解码
// ============================================================================

// field 一个已解析的字段
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u     uint64
	bytes []byte
}

// walk 遍历 b 中的字段；未知字段被跳过
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", types.ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", types.ErrMalformedMessage, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMessage 从 protobuf 线格式解码消息，载荷被复制
func DecodeMessage(b []byte) (*types.Message, error) {
	m := &types.Message{}
	var seen uint64
	err := walk(b, func(f field) error {
		seen |= 1 << f.num
		var err error
		switch f.num {
		case fieldID:
			m.ID = uint32(f.u)
		case fieldVersion:
			m.Version = uint32(f.u)
		case fieldType:
			m.Type = types.MessageType(f.u)
		case fieldCommand:
			m.Command = types.Command(f.u)
		case fieldSender:
			m.Sender, err = decodeAddress(f.bytes)
		case fieldRecipient:
			m.Recipient, err = decodeAddress(f.bytes)
		case fieldKeepAlive:
			m.KeepAlive = f.u != 0
		case fieldPayload:
			m.Payload = append([]byte(nil), f.bytes...)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if seen&requiredFields != requiredFields {
		return nil, fmt.Errorf("%w: missing header fields", types.ErrMalformedMessage)
	}
	return m, nil
}

func decodeAddress(b []byte) (types.PeerAddress, error) {
	var a types.PeerAddress
	err := walk(b, func(f field) error {
		switch f.num {
		case addrPeerID:
			id, err := types.PeerIDFromBytes(f.bytes)
			if err != nil {
				return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
			}
			a.PeerID = id
		case addrSocket:
			s, err := decodeSocket(f.bytes)
			if err != nil {
				return err
			}
			a.Socket = s
		case addrFlags:
			a.FirewalledTCP = f.u&flagFirewalledTCP != 0
			a.FirewalledUDP = f.u&flagFirewalledUDP != 0
			a.Relayed = f.u&flagRelayed != 0
		case addrRelay:
			s, err := decodeSocket(f.bytes)
			if err != nil {
				return err
			}
			a.Relays = append(a.Relays, s)
		}
		return nil
	})
	return a, err
}

func decodeSocket(b []byte) (types.PeerSocketAddress, error) {
	var s types.PeerSocketAddress
	err := walk(b, func(f field) error {
		switch f.num {
		case socketIP:
			ip, ok := netip.AddrFromSlice(f.bytes)
			if !ok {
				return fmt.Errorf("%w: invalid ip of %d bytes", types.ErrMalformedMessage, len(f.bytes))
			}
			s.IP = ip.Unmap()
		case socketTCP:
			s.TCPPort = uint16(f.u)
		case socketUDP:
			s.UDPPort = uint16(f.u)
		}
		return nil
	})
	return s, err
}
