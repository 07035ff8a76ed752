// Package metrics 提供 prometheus 指标
//
// 所有记录方法在 *Metrics 为 nil 时是空操作，关闭指标时组件无需判断。
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-overlay/pkg/types"
)

// 传输标签
const (
	TransportTCP = "tcp"
	TransportUDP = "udp"
)

// Metrics 节点指标集合
type Metrics struct {
	connections       *prometheus.GaugeVec
	bytes             *prometheus.CounterVec
	heartbeatsSent    prometheus.Counter
	heartbeatFailures prometheus.Counter
	pipelineFailures  *prometheus.CounterVec
	reservations      *prometheus.GaugeVec
	dispatched        *prometheus.CounterVec
	peers             *prometheus.GaugeVec
}

// New 创建指标并注册到 reg；reg 为 nil 时只创建不注册
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open peer connections.",
		}, []string{"transport"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_bytes_total",
			Help:      "Bytes moved by the transports.",
		}, []string{"transport", "direction"}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat probes written to idle connections.",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat ticks that failed to build or write a probe.",
		}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_failures_total",
			Help:      "Handler failures reported by connection pipelines.",
		}, []string{"direction"}),
		reservations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reservations_in_flight",
			Help:      "Outbound connection permits currently held.",
		}, []string{"transport"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Inbound messages dispatched, by response type.",
		}, []string{"type"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Tracked peers by status.",
		}, []string{"status"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("metrics already registered in namespace %q: %w", namespace, err)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.connections, m.bytes, m.heartbeatsSent, m.heartbeatFailures,
		m.pipelineFailures, m.reservations, m.dispatched, m.peers,
	}
}

func transportLabel(udp bool) string {
	if udp {
		return TransportUDP
	}
	return TransportTCP
}

// ConnectionOpened 记录连接打开
func (m *Metrics) ConnectionOpened(udp bool) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transportLabel(udp)).Inc()
}

// ConnectionClosed 记录连接关闭
func (m *Metrics) ConnectionClosed(udp bool) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transportLabel(udp)).Dec()
}

// BytesReceived 记录收到的字节数
func (m *Metrics) BytesReceived(udp bool, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(transportLabel(udp), "in").Add(float64(n))
}

// BytesSent 记录发出的字节数
func (m *Metrics) BytesSent(udp bool, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(transportLabel(udp), "out").Add(float64(n))
}

// HeartbeatSent 记录一次心跳探测
func (m *Metrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

// HeartbeatFailed 记录一次心跳失败
func (m *Metrics) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.heartbeatFailures.Inc()
}

// PipelineFailure 记录管道失败
func (m *Metrics) PipelineFailure(inbound bool) {
	if m == nil {
		return
	}
	dir := "outbound"
	if inbound {
		dir = "inbound"
	}
	m.pipelineFailures.WithLabelValues(dir).Inc()
}

// ReservationAcquired 记录取得许可
func (m *Metrics) ReservationAcquired(udp bool) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(transportLabel(udp)).Inc()
}

// ReservationReleased 记录释放许可
func (m *Metrics) ReservationReleased(udp bool) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(transportLabel(udp)).Dec()
}

// Dispatched 记录一次分发及其响应类型
func (m *Metrics) Dispatched(t types.MessageType) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(t.String()).Inc()
}

// SetPeers 设置各状态的节点数
func (m *Metrics) SetPeers(online, offline int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(types.PeerStatusOnline.String()).Set(float64(online))
	m.peers.WithLabelValues(types.PeerStatusOffline.String()).Set(float64(offline))
}
