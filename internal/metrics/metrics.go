package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 网关业务指标
type AppMetrics struct {
	TCPAccepted      prometheus.Counter
	TCPRejected      *prometheus.CounterVec // labels: reason=limit|rate
	TCPBytesReceived prometheus.Counter
	TCPBytesDropped  prometheus.Counter
	SessionsOpen     prometheus.Gauge
	SessionsClosed   *prometheus.CounterVec // labels: reason=remote|local|exception|read_error|idle|shutdown
	InboundTotal     *prometheus.CounterVec // labels: kind
	DispatchTotal    *prometheus.CounterVec // labels: type(目录名称或 unregistered), result=ok|error
	OutboundTotal    *prometheus.CounterVec // labels: type(目录名称或 unregistered)
	FailureTotal     *prometheus.CounterVec // labels: code
	NotifierDropped  *prometheus.CounterVec // labels: sink
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		TCPAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_accept_total",
			Help: "Total accepted TCP connections.",
		}),
		TCPRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcp_reject_total",
			Help: "TCP connections rejected by admission control.",
		}, []string{"reason"}),
		TCPBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_received_total",
			Help: "Total bytes received over TCP.",
		}),
		TCPBytesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_bytes_dropped_total",
			Help: "Bytes skipped by the frame decoder while resynchronizing.",
		}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remoting_sessions_open",
			Help: "Currently open transport sessions.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoting_sessions_closed_total",
			Help: "Closed transport sessions by reason.",
		}, []string{"reason"}),
		InboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoting_inbound_packets_total",
			Help: "Inbound packets seen by the bridge, by kind.",
		}, []string{"kind"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoting_dispatch_total",
			Help: "Application packets dispatched, by type and result.",
		}, []string{"type", "result"}),
		OutboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoting_outbound_packets_total",
			Help: "Outbound packets that passed the filter chain, by type.",
		}, []string{"type"}),
		FailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoting_failures_total",
			Help: "Transport faults reported by the bridge, by error code.",
		}, []string{"code"}),
		NotifierDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remoting_notifier_dropped_total",
			Help: "Failure records a notifier sink could not deliver.",
		}, []string{"sink"}),
	}
	reg.MustRegister(
		m.TCPAccepted, m.TCPRejected, m.TCPBytesReceived, m.TCPBytesDropped,
		m.SessionsOpen, m.SessionsClosed,
		m.InboundTotal, m.DispatchTotal, m.OutboundTotal,
		m.FailureTotal, m.NotifierDropped,
	)
	return m
}
