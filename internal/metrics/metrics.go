package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/tcpsocket/internal/connection"
	"github.com/rickgao/tcpsocket/internal/errs"
)

// Namespace prefixes every metric name.
const Namespace = "tcpsocket"

// Metrics holds the process collectors. It implements connection.Observer.
type Metrics struct {
	registry *prometheus.Registry

	connects      *prometheus.CounterVec
	readAttempts  prometheus.Counter
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	loopExits     *prometheus.CounterVec
	commands      *prometheus.CounterVec
	sessions      prometheus.Gauge
	framesDropped prometheus.Counter
}

// Snapshot is the point-in-time state exported as gauges.
type Snapshot struct {
	OpenConnections int
	BoundSinks      int
	Delivered       int64
	Dropped         int64
	RunningWorkers  int
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connects_total",
			Help:      "Connect attempts by result (ok or error kind).",
		}, []string{"result"}),
		readAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "read_attempts_total",
			Help:      "Read loop iterations that waited for inbound bytes.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "read_bytes_total",
			Help:      "Bytes read from all connections.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "written_bytes_total",
			Help:      "Bytes written to all connections.",
		}),
		loopExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "read_loop_exits_total",
			Help:      "Read loop terminations by reason.",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bridge",
			Name:      "commands_total",
			Help:      "Bridge commands by method and result.",
		}, []string{"method", "result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bridge",
			Name:      "sessions",
			Help:      "Open bridge sessions.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bridge",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because a session queue was full.",
		}),
	}

	reg.MustRegister(
		m.connects,
		m.readAttempts,
		m.bytesRead,
		m.bytesWritten,
		m.loopExits,
		m.commands,
		m.sessions,
		m.framesDropped,
	)
	return m
}

// Registry returns the underlying registry, for components that register
// their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchSnapshot exports the values returned by fn as gauges, read at scrape
// time.
func (m *Metrics) WatchSnapshot(fn func() Snapshot) {
	gauge := func(name, help string, value func(Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(fn()) })
	}

	m.registry.MustRegister(
		gauge("open_connections", "Connections currently in the registry.",
			func(s Snapshot) float64 { return float64(s.OpenConnections) }),
		gauge("bound_sinks", "Handles with a bound event sink.",
			func(s Snapshot) float64 { return float64(s.BoundSinks) }),
		gauge("events_delivered", "Events handed to a bound sink.",
			func(s Snapshot) float64 { return float64(s.Delivered) }),
		gauge("events_dropped", "Events discarded because no sink was bound or the sink refused them.",
			func(s Snapshot) float64 { return float64(s.Dropped) }),
		gauge("connect_workers_running", "Asynchronous connects in progress.",
			func(s Snapshot) float64 { return float64(s.RunningWorkers) }),
	)
}

// ConnectResult records the outcome of a connect attempt.
func (m *Metrics) ConnectResult(err error) {
	result := "ok"
	if err != nil {
		result = string(errs.KindOf(err))
	}
	m.connects.WithLabelValues(result).Inc()
}

// CommandHandled records a bridge command outcome.
func (m *Metrics) CommandHandled(method string, err error) {
	result := "ok"
	if err != nil {
		result = string(errs.KindOf(err))
	}
	m.commands.WithLabelValues(method, result).Inc()
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }

// SessionClosed decrements the open session gauge.
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// FrameDropped counts an outbound frame lost to a full session queue.
func (m *Metrics) FrameDropped() { m.framesDropped.Inc() }

// ReadAttempt implements connection.Observer.
func (m *Metrics) ReadAttempt() { m.readAttempts.Inc() }

// BytesRead implements connection.Observer.
func (m *Metrics) BytesRead(n int) { m.bytesRead.Add(float64(n)) }

// BytesWritten implements connection.Observer.
func (m *Metrics) BytesWritten(n int) { m.bytesWritten.Add(float64(n)) }

// LoopExited implements connection.Observer.
func (m *Metrics) LoopExited(reason connection.ExitReason) {
	m.loopExits.WithLabelValues(string(reason)).Inc()
}

var _ connection.Observer = (*Metrics)(nil)
