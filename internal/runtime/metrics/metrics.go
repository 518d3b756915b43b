// Package metrics exposes Prometheus collectors for the cache, the outbound
// queues, the lease manager and the receive path. Every recording method is
// safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "frameflow"

// Metrics owns the frameflow collectors and a per-destination tally that can
// be read back without scraping.
type Metrics struct {
	mu sync.RWMutex

	destinations map[string]*DestinationStats

	cacheEntries    prometheus.Gauge
	cacheEvictions  *prometheus.CounterVec
	cacheFull       prometheus.Counter
	cacheInsertWait prometheus.Histogram

	queueDepth     *prometheus.GaugeVec
	backpressure   *prometheus.CounterVec
	retries        *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	deliveryFailed *prometheus.CounterVec
	purged         *prometheus.CounterVec
	sendLatency    *prometheus.HistogramVec

	leaseState *prometheus.GaugeVec
	leaseLost  *prometheus.CounterVec

	envelopesDropped *prometheus.CounterVec
	staleDiscarded   *prometheus.CounterVec
	evalErrors       prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

// DestinationStats is a point-in-time tally for one outbound destination.
type DestinationStats struct {
	Enqueued     uint64    `json:"enqueued"`
	Delivered    uint64    `json:"delivered"`
	Failed       uint64    `json:"failed"`
	Retries      uint64    `json:"retries"`
	Rejected     uint64    `json:"rejected"`
	Purged       uint64    `json:"purged"`
	Depth        int       `json:"depth"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// New creates the collectors. A nil registerer selects the default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		destinations: make(map[string]*DestinationStats),
		registerer:   registerer,

		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries", Help: "Entries currently held by the frame cache",
		}),
		cacheEvictions: newCounterVec("cache", "evictions_total", "Cache entries evicted, by reason", "reason"),
		cacheFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "full_total", Help: "Insertions rejected because every entry had pending sends",
		}),
		cacheInsertWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cache", Name: "insert_wait_seconds", Help: "Time insertions spent waiting for capacity",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		queueDepth:     newGaugeVec("queue", "depth", "Messages waiting in the outbound queue", "destination"),
		backpressure:   newCounterVec("queue", "backpressure_total", "Enqueues rejected above the high watermark", "destination"),
		retries:        newCounterVec("queue", "retries_total", "Send attempts beyond the first", "destination"),
		delivered:      newCounterVec("queue", "delivered_total", "Messages delivered", "destination"),
		deliveryFailed: newCounterVec("queue", "delivery_failed_total", "Messages that exhausted the retry ceiling", "destination"),
		purged:         newCounterVec("queue", "purged_total", "Queued messages dropped after a lease loss or shutdown", "destination"),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transport", Name: "send_seconds", Help: "Duration of a single transport send",
			Buckets: prometheus.DefBuckets,
		}, []string{"pattern"}),

		leaseState: newGaugeVec("lease", "state", "Lease state per stream (0 unowned, 1 acquiring, 2 held, 3 renewing, 4 lost)", "stream"),
		leaseLost:  newCounterVec("lease", "lost_total", "Leases lost before release", "stream"),

		envelopesDropped: newCounterVec("receive", "envelopes_dropped_total", "Inbound envelopes dropped, by reason", "reason"),
		staleDiscarded:   newCounterVec("receive", "stale_discarded_total", "Inbound messages discarded for a stale fencing token", "stream"),
		evalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "expr", Name: "errors_total", Help: "Predicate evaluations that failed",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.cacheEntries, m.cacheEvictions, m.cacheFull, m.cacheInsertWait,
		m.queueDepth, m.backpressure, m.retries, m.delivered, m.deliveryFailed, m.purged, m.sendLatency,
		m.leaseState, m.leaseLost,
		m.envelopesDropped, m.staleDiscarded, m.evalErrors,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m != nil {
		if gatherer, ok := m.registerer.(prometheus.Gatherer); ok {
			return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
	}
	return promhttp.Handler()
}

func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) CacheEvicted(reason string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheFull() {
	if m == nil {
		return
	}
	m.cacheFull.Inc()
}

func (m *Metrics) CacheInsertWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.cacheInsertWait.Observe(d.Seconds())
}

func (m *Metrics) Enqueued(destination string, depth int) {
	if m == nil {
		return
	}
	m.update(destination, func(s *DestinationStats) {
		s.Enqueued++
		s.Depth = depth
	})
	m.queueDepth.WithLabelValues(destination).Set(float64(depth))
}

func (m *Metrics) Dequeued(destination string, depth int) {
	if m == nil {
		return
	}
	m.update(destination, func(s *DestinationStats) { s.Depth = depth })
	m.queueDepth.WithLabelValues(destination).Set(float64(depth))
}

func (m *Metrics) Backpressure(destination string) {
	if m == nil {
		return
	}
	m.update(destination, func(s *DestinationStats) { s.Rejected++ })
	m.backpressure.WithLabelValues(destination).Inc()
}

func (m *Metrics) Retried(destination string) {
	if m == nil {
		return
	}
	m.update(destination, func(s *DestinationStats) { s.Retries++ })
	m.retries.WithLabelValues(destination).Inc()
}

func (m *Metrics) Delivered(destination string) {
	if m == nil {
		return
	}
	m.update(destination, func(s *DestinationStats) { s.Delivered++ })
	m.delivered.WithLabelValues(destination).Inc()
}

func (m *Metrics) DeliveryFailed(destination string) {
	if m == nil {
		return
	}
	m.update(destination, func(s *DestinationStats) { s.Failed++ })
	m.deliveryFailed.WithLabelValues(destination).Inc()
}

func (m *Metrics) Purged(destination string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.update(destination, func(s *DestinationStats) { s.Purged += uint64(count) })
	m.purged.WithLabelValues(destination).Add(float64(count))
}

func (m *Metrics) SendObserved(pattern string, d time.Duration) {
	if m == nil {
		return
	}
	m.sendLatency.WithLabelValues(pattern).Observe(d.Seconds())
}

func (m *Metrics) LeaseState(stream string, state int) {
	if m == nil {
		return
	}
	m.leaseState.WithLabelValues(stream).Set(float64(state))
}

func (m *Metrics) LeaseLost(stream string) {
	if m == nil {
		return
	}
	m.leaseLost.WithLabelValues(stream).Inc()
}

func (m *Metrics) EnvelopeDropped(reason string) {
	if m == nil {
		return
	}
	m.envelopesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) StaleDiscarded(stream string) {
	if m == nil {
		return
	}
	m.staleDiscarded.WithLabelValues(stream).Inc()
}

func (m *Metrics) EvalError() {
	if m == nil {
		return
	}
	m.evalErrors.Inc()
}

// Destination returns a copy of the tally for destination, or nil.
func (m *Metrics) Destination(destination string) *DestinationStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.destinations[destination]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// Snapshot copies every destination tally.
func (m *Metrics) Snapshot() map[string]DestinationStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]DestinationStats, len(m.destinations))
	for name, s := range m.destinations {
		out[name] = *s
	}
	return out
}

func (m *Metrics) update(destination string, fn func(*DestinationStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.destinations[destination]
	if !ok {
		s = &DestinationStats{}
		m.destinations[destination] = s
	}
	fn(s)
	s.LastUpdateAt = time.Now()
}
