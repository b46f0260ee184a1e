package entropy

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	entropyMetrics  *managerMetrics
)

type managerMetrics struct {
	builds     *prometheus.CounterVec
	exchanges  *prometheus.CounterVec
	reverify   *prometheus.CounterVec
	mismatches prometheus.Counter
	locks      *prometheus.CounterVec
	locksHeld  *prometheus.GaugeVec

	meter           metric.Meter
	buildCounter    metric.Int64Counter
	exchangeCounter metric.Int64Counter
}

func sharedEntropyMetrics() *managerMetrics {
	metricsInitOnce.Do(func() {
		mm := &managerMetrics{
			builds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "riakkv_entropy_builds_total",
				Help: "Full tree builds by outcome.",
			}, []string{"outcome"}),
			exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "riakkv_entropy_exchanges_total",
				Help: "Remote exchange sessions by outcome.",
			}, []string{"outcome"}),
			reverify: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "riakkv_entropy_reverify_total",
				Help: "Reverify passes by outcome.",
			}, []string{"outcome"}),
			mismatches: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "riakkv_entropy_reverify_mismatches_total",
				Help: "Keys whose stored digest no longer matches the tree.",
			}),
			locks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "riakkv_entropy_lock_requests_total",
				Help: "Admission-control requests by pool and result.",
			}, []string{"pool", "result"}),
			locksHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "riakkv_entropy_locks_held",
				Help: "Tokens currently held per pool.",
			}, []string{"pool"}),
		}
		prometheus.MustRegister(mm.builds, mm.exchanges, mm.reverify, mm.mismatches, mm.locks, mm.locksHeld)
		mm.initMeter()
		entropyMetrics = mm
	})
	return entropyMetrics
}

func (m *managerMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("riak-kv/entropy")
	builds, err := meter.Int64Counter("riakkv.entropy.builds")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("riak-kv/entropy")
		builds, _ = fallback.Int64Counter("riakkv.entropy.builds")
		meter = fallback
	}
	exchanges, err := meter.Int64Counter("riakkv.entropy.exchanges")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("riak-kv/entropy")
		exchanges, _ = fallback.Int64Counter("riakkv.entropy.exchanges")
		meter = fallback
	}
	m.meter = meter
	m.buildCounter = builds
	m.exchangeCounter = exchanges
}

func (m *managerMetrics) recordBuild(outcome string) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
	if m.buildCounter != nil {
		m.buildCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *managerMetrics) recordExchange(outcome string) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
	if m.exchangeCounter != nil {
		m.exchangeCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *managerMetrics) recordReverify(outcome string, mismatches int) {
	if m == nil {
		return
	}
	m.reverify.WithLabelValues(outcome).Inc()
	if mismatches > 0 {
		m.mismatches.Add(float64(mismatches))
	}
}

func (m *managerMetrics) lockAcquired(pool string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(pool, "granted").Inc()
	m.locksHeld.WithLabelValues(pool).Inc()
}

func (m *managerMetrics) lockRefused(pool string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(pool, "refused").Inc()
}

func (m *managerMetrics) lockReleased(pool string) {
	if m == nil {
		return
	}
	m.locksHeld.WithLabelValues(pool).Dec()
}
