package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/pkg/lib/bytebuf"
	"github.com/dep2p/go-overlay/pkg/types"
)

func listen(t *testing.T) *Channel {
	t.Helper()
	ch, err := Listen(context.Background(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestChannel_DatagramRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	server := listen(t)
	assert.True(t, server.IsUDP())
	assert.Nil(t, server.RemoteAddr())

	client, err := Dial(ctx, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()
	assert.NotNil(t, client.RemoteAddr())

	require.NoError(t, client.Send(ctx, [][]byte{[]byte("ping"), []byte("!")}, nil))

	buf := bytebuf.Allocate(0)
	from, err := server.Receive(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping!"), buf.Bytes())
	assert.Equal(t, client.LocalAddr().String(), from.String())

	// 回复来源地址
	require.NoError(t, server.Send(ctx, [][]byte{[]byte("pong")}, from))
	reply := bytebuf.Allocate(0)
	_, err = client.Receive(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), reply.Bytes())
}

func TestChannel_SendErrors(t *testing.T) {
	server := listen(t)
	ctx := context.Background()

	err := server.Send(ctx, [][]byte{[]byte("x")}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument, "unconnected channel needs a destination")

	big := make([]byte, MaxDatagramSize+1)
	err = server.Send(ctx, [][]byte{big}, server.LocalAddr())
	assert.ErrorIs(t, err, types.ErrMessageTooLarge)
}

func TestChannel_ReceiveDeadline(t *testing.T) {
	server := listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := server.Receive(ctx, bytebuf.Allocate(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_Close(t *testing.T) {
	server := listen(t)
	require.NoError(t, server.Close())
	assert.NoError(t, server.Close())
	assert.False(t, server.IsOpen())

	_, err := server.Receive(context.Background(), bytebuf.Allocate(0))
	assert.ErrorIs(t, err, types.ErrConnectionClosed)
}
