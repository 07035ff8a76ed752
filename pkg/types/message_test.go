package types

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testAddress(port uint16) PeerAddress {
	return NewPeerAddress(RandomPeerID(), NewPeerSocketAddress(netip.MustParseAddr("10.0.0.1"), port, port))
}

func TestMessage_Response(t *testing.T) {
	sender, recipient := testAddress(1), testAddress(2)
	req := NewRequest(7, CommandPing, sender, recipient)
	req.KeepAlive = true
	req.UDP = true
	assert.Equal(t, MessageTypeRequest1, req.Type)

	resp := NewResponse(req, MessageTypeOk, recipient)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, uint32(7), resp.Version)
	assert.True(t, resp.Sender.Equal(recipient))
	assert.True(t, resp.Recipient.Equal(sender))
	assert.True(t, resp.KeepAlive)
	assert.True(t, resp.UDP)
	assert.True(t, resp.IsResponseTo(req))

	assert.False(t, req.IsResponseTo(req), "requests are never responses")
	other := NewRequest(7, CommandPing, sender, recipient)
	other.ID = req.ID + 1
	assert.False(t, resp.IsResponseTo(other))
	assert.False(t, (*Message)(nil).IsResponseTo(req))
}

func TestMessageType(t *testing.T) {
	for _, mt := range []MessageType{MessageTypeRequest1, MessageTypeRequest2, MessageTypeRequestFF1} {
		assert.True(t, mt.IsRequest(), mt.String())
	}
	assert.False(t, MessageTypeOk.IsRequest())
	assert.True(t, MessageTypeRequestFF1.IsFireAndForget())
	assert.False(t, MessageTypeRequest1.IsFireAndForget())

	assert.Equal(t, "UNKNOWN_ID", MessageTypeUnknownID.String())
	assert.Equal(t, "TYPE(200)", MessageType(200).String())
}

func TestMessage_String(t *testing.T) {
	assert.Equal(t, "msg[nil]", (*Message)(nil).String())
	m := NewRequest(1, CommandPing, testAddress(1), testAddress(2))
	assert.Contains(t, m.String(), "type=REQUEST_1")
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "online", PeerStatusOnline.String())
	assert.Equal(t, "invalid", PeerStatus(9).String())
	assert.Equal(t, "probably_offline", FailReasonProbablyOffline.String())
	assert.Equal(t, "unknown", FailReason(9).String())
}
