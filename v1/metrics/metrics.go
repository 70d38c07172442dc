package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// MessagesSent counts envelopes handed to a transport, by operation.
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "baton_transport_messages_sent_total",
		Help: "Total number of protocol messages sent",
	}, []string{"op"})
	// MessagesFailed counts envelopes a transport could not deliver, by operation.
	MessagesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "baton_transport_messages_failed_total",
		Help: "Total number of protocol messages that failed to reach their peer",
	}, []string{"op"})
	// DuplicatesDropped counts redelivered envelopes ignored by a listener.
	DuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "baton_transport_duplicates_dropped_total",
		Help: "Total number of redelivered protocol messages dropped",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterTransportMetrics registers the transport collectors on the provided registry.
func RegisterTransportMetrics(reg prometheus.Registerer) {
	reg.MustRegister(MessagesSent, MessagesFailed, DuplicatesDropped)
}

// Protocol groups the collectors a single custodian reports to.
type Protocol struct {
	Acquisitions prometheus.Counter
	Releases     prometheus.Counter
	Handoffs     prometheus.Counter
	Evictions    prometheus.Counter
	Requests     prometheus.Counter
	Tokens       prometheus.Counter
	State        prometheus.Gauge
	AcquireWait  prometheus.Histogram
}

// NewProtocol creates the custodian collectors and registers them on reg.
func NewProtocol(reg prometheus.Registerer) *Protocol {
	p := &Protocol{
		Acquisitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_acquisitions_total",
			Help: "Total number of completed Acquire calls",
		}),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_releases_total",
			Help: "Total number of Release calls",
		}),
		Handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_handoffs_total",
			Help: "Total number of tokens handed to another peer",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_evictions_total",
			Help: "Total number of peers evicted after a failed remote call",
		}),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_requests_received_total",
			Help: "Total number of token requests received from peers",
		}),
		Tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "baton_tokens_received_total",
			Help: "Total number of tokens received from peers",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "baton_state",
			Help: "Current custodian state (0 no token, 1 token present, 2 token held)",
		}),
		AcquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "baton_acquire_wait_seconds",
			Help:    "Time spent in Acquire before the token was held",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(p.Acquisitions, p.Releases, p.Handoffs, p.Evictions, p.Requests, p.Tokens, p.State, p.AcquireWait)
	return p
}
