package prom

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qsafevault/qsafevault-server/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay engine metrics to Prometheus.
type RelayObserver struct {
	pushTotal    *prometheus.CounterVec
	pushAttempts prometheus.Histogram
	nextTotal    *prometheus.CounterVec
	ackSetTotal  prometheus.Counter
	ackStatus    *prometheus.CounterVec
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		pushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_relay_push_total",
			Help: "Relay chunk pushes by result.",
		}, []string{"result"}),
		pushAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qsafevault_relay_push_attempts",
			Help:    "CAS attempts used per push call.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		nextTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_relay_next_total",
			Help: "Receiver polls by result.",
		}, []string{"result"}),
		ackSetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsafevault_relay_ack_set_total",
			Help: "Acknowledgments written by receivers.",
		}),
		ackStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_relay_ack_status_total",
			Help: "Acknowledgment status queries by answer.",
		}, []string{"acknowledged"}),
	}
	reg.MustRegister(
		o.pushTotal,
		o.pushAttempts,
		o.nextTotal,
		o.ackSetTotal,
		o.ackStatus,
	)
	return o
}

func (o *RelayObserver) Push(result observability.PushResult, attempts int) {
	o.pushTotal.WithLabelValues(string(result)).Inc()
	o.pushAttempts.Observe(float64(attempts))
}

func (o *RelayObserver) Next(result observability.NextResult) {
	o.nextTotal.WithLabelValues(string(result)).Inc()
}

func (o *RelayObserver) AckSet() {
	o.ackSetTotal.Inc()
}

func (o *RelayObserver) AckStatus(acknowledged bool) {
	o.ackStatus.WithLabelValues(boolLabel(acknowledged)).Inc()
}

// HandshakeObserver exports envelope session metrics to Prometheus.
type HandshakeObserver struct {
	sessionsTotal prometheus.Counter
	pinAttempts   prometheus.Histogram
	resolveTotal  *prometheus.CounterVec
	envelopeTotal *prometheus.CounterVec
}

// NewHandshakeObserver registers envelope session metrics on the registry.
func NewHandshakeObserver(reg *prometheus.Registry) *HandshakeObserver {
	o := &HandshakeObserver{
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsafevault_handshake_sessions_total",
			Help: "Envelope sessions created.",
		}),
		pinAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qsafevault_handshake_pin_attempts",
			Help:    "PIN sampling attempts per session creation.",
			Buckets: []float64{1, 2, 3, 5, 10},
		}),
		resolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_handshake_pin_resolve_total",
			Help: "PIN resolutions by result.",
		}, []string{"result"}),
		envelopeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_handshake_envelope_total",
			Help: "Envelope operations by op and result.",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(
		o.sessionsTotal,
		o.pinAttempts,
		o.resolveTotal,
		o.envelopeTotal,
	)
	return o
}

func (o *HandshakeObserver) SessionCreated(pinAttempts int) {
	o.sessionsTotal.Inc()
	o.pinAttempts.Observe(float64(pinAttempts))
}

func (o *HandshakeObserver) PinResolve(result observability.PinResolveResult) {
	o.resolveTotal.WithLabelValues(string(result)).Inc()
}

func (o *HandshakeObserver) Envelope(op observability.EnvelopeOp, result observability.EnvelopeResult) {
	o.envelopeTotal.WithLabelValues(string(op), string(result)).Inc()
}

// RendezvousObserver exports peer discovery metrics to Prometheus.
type RendezvousObserver struct {
	registerTotal *prometheus.CounterVec
	lookupTotal   *prometheus.CounterVec
	signalTotal   *prometheus.CounterVec
	pollMessages  prometheus.Histogram
}

// NewRendezvousObserver registers peer discovery metrics on the registry.
func NewRendezvousObserver(reg *prometheus.Registry) *RendezvousObserver {
	o := &RendezvousObserver{
		registerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_rendezvous_register_total",
			Help: "Peer registrations by result.",
		}, []string{"result"}),
		lookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_rendezvous_lookup_total",
			Help: "Peer lookups by hit/miss.",
		}, []string{"found"}),
		signalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_rendezvous_signal_total",
			Help: "Signal enqueue attempts by outcome.",
		}, []string{"queued"}),
		pollMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qsafevault_rendezvous_poll_messages",
			Help:    "Messages drained per mailbox poll.",
			Buckets: []float64{0, 1, 2, 5, 10, 25},
		}),
	}
	reg.MustRegister(
		o.registerTotal,
		o.lookupTotal,
		o.signalTotal,
		o.pollMessages,
	)
	return o
}

func (o *RendezvousObserver) Register(result observability.RegisterResult) {
	o.registerTotal.WithLabelValues(string(result)).Inc()
}

func (o *RendezvousObserver) Lookup(found bool) {
	o.lookupTotal.WithLabelValues(boolLabel(found)).Inc()
}

func (o *RendezvousObserver) Signal(queued bool) {
	o.signalTotal.WithLabelValues(boolLabel(queued)).Inc()
}

func (o *RendezvousObserver) Poll(messages int) {
	o.pollMessages.Observe(float64(messages))
}

// StoreObserver exports storage lifecycle metrics to Prometheus.
type StoreObserver struct {
	expiredOnRead prometheus.Counter
	sweepScanned  prometheus.Counter
	sweepRemoved  prometheus.Counter
	sweepRuns     prometheus.Counter
}

// NewStoreObserver registers storage metrics on the registry.
func NewStoreObserver(reg *prometheus.Registry) *StoreObserver {
	o := &StoreObserver{
		expiredOnRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsafevault_store_expired_on_read_total",
			Help: "Stale records destroyed by reads.",
		}),
		sweepScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsafevault_store_sweep_scanned_total",
			Help: "Records scanned by the sweeper.",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsafevault_store_sweep_removed_total",
			Help: "Expired records removed by the sweeper.",
		}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsafevault_store_sweep_runs_total",
			Help: "Sweeper passes completed.",
		}),
	}
	reg.MustRegister(
		o.expiredOnRead,
		o.sweepScanned,
		o.sweepRemoved,
		o.sweepRuns,
	)
	return o
}

func (o *StoreObserver) ExpiredOnRead() {
	o.expiredOnRead.Inc()
}

func (o *StoreObserver) Sweep(scanned, removed int) {
	o.sweepRuns.Inc()
	o.sweepScanned.Add(float64(scanned))
	o.sweepRemoved.Add(float64(removed))
}

// HTTPObserver exports request metrics to Prometheus.
type HTTPObserver struct {
	requestsTotal  *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

// NewHTTPObserver registers HTTP metrics on the registry.
func NewHTTPObserver(reg *prometheus.Registry) *HTTPObserver {
	o := &HTTPObserver{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsafevault_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qsafevault_http_request_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(o.requestsTotal, o.requestSeconds)
	return o
}

func (o *HTTPObserver) Request(route string, status int, elapsed time.Duration) {
	o.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	o.requestSeconds.WithLabelValues(route).Observe(elapsed.Seconds())
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
