package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-overlay/config"
	"github.com/dep2p/go-overlay/pkg/types"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened(true)
		m.ConnectionClosed(false)
		m.BytesReceived(true, 10)
		m.BytesSent(false, 10)
		m.HeartbeatSent()
		m.HeartbeatFailed()
		m.PipelineFailure(true)
		m.ReservationAcquired(false)
		m.ReservationReleased(false)
		m.Dispatched(types.MessageTypeOk)
		m.SetPeers(1, 2)
	})
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New("test", reg)
	require.NoError(t, err)

	m.ConnectionOpened(false)
	m.ConnectionOpened(false)
	m.ConnectionClosed(false)
	m.ConnectionOpened(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues(TransportTCP)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues(TransportUDP)))

	m.BytesSent(false, 100)
	m.BytesSent(false, -1)
	m.BytesReceived(true, 7)
	assert.Equal(t, 100.0, testutil.ToFloat64(m.bytes.WithLabelValues(TransportTCP, "out")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.bytes.WithLabelValues(TransportUDP, "in")))

	m.HeartbeatSent()
	m.HeartbeatFailed()
	m.HeartbeatFailed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeatsSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.heartbeatFailures))

	m.PipelineFailure(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineFailures.WithLabelValues("inbound")))

	m.ReservationAcquired(true)
	m.ReservationAcquired(true)
	m.ReservationReleased(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reservations.WithLabelValues(TransportUDP)))

	m.Dispatched(types.MessageTypeUnknownID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatched.WithLabelValues("UNKNOWN_ID")))

	m.SetPeers(3, 4)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.peers.WithLabelValues("online")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.peers.WithLabelValues("offline")))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("dup", reg)
	require.NoError(t, err)

	_, err = New("dup", reg)
	assert.Error(t, err)

	// 不同命名空间可以共存
	_, err = New("other", reg)
	assert.NoError(t, err)
}

func TestModule(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		var m *Metrics
		app := fxtest.New(t,
			fx.Supply(config.NewConfig()),
			fx.Provide(func() prometheus.Registerer { return prometheus.NewRegistry() }),
			Module(),
			fx.Populate(&m),
		)
		app.RequireStart()
		defer app.RequireStop()
		assert.NotNil(t, m)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := config.NewConfig()
		cfg.Metrics.Enable = false

		var m *Metrics
		app := fxtest.New(t,
			fx.Supply(cfg),
			Module(),
			fx.Populate(&m),
		)
		app.RequireStart()
		defer app.RequireStop()
		assert.Nil(t, m)
	})
}
