package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PointsMetrics exports ledger activity to Prometheus. A nil *PointsMetrics is
// valid and records nothing.
type PointsMetrics struct {
	operations     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	pointsMoved    *prometheus.CounterVec
	divergences    prometheus.Counter
	reconcileFixes prometheus.Counter
	awardsSkipped  prometheus.Counter
}

// NewPointsMetrics registers the loyalty collectors on reg (the default
// registerer when nil). Collectors already registered are reused.
func NewPointsMetrics(reg prometheus.Registerer) (*PointsMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var (
		m   PointsMetrics
		err error
	)
	if m.operations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Name:      "operations_total",
		Help:      "Ledger operations by operation and result.",
	}, []string{"operation", "result"})); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "loyalty",
		Name:      "operation_duration_seconds",
		Help:      "Latency of ledger operations including collaborator round trips.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})); err != nil {
		return nil, err
	}
	if m.pointsMoved, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Name:      "points_moved_total",
		Help:      "Absolute points recorded in the ledger, by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.divergences, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loyalty",
		Name:      "points_balance_divergence_total",
		Help:      "Ledger entries written whose balance update failed.",
	})); err != nil {
		return nil, err
	}
	if m.reconcileFixes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loyalty",
		Name:      "reconcile_corrections_total",
		Help:      "Cached balances rewritten from the ledger sum.",
	})); err != nil {
		return nil, err
	}
	if m.awardsSkipped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loyalty",
		Name:      "order_awards_duplicate_total",
		Help:      "Order awards skipped because the order was already awarded.",
	})); err != nil {
		return nil, err
	}
	return &m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register loyalty metric: %w", err)
	}
	return c, nil
}

func (m *PointsMetrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *PointsMetrics) moved(reason string, amount int64) {
	if m == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.pointsMoved.WithLabelValues(reason).Add(float64(amount))
}

func (m *PointsMetrics) divergence() {
	if m == nil {
		return
	}
	m.divergences.Inc()
}

func (m *PointsMetrics) reconciled() {
	if m == nil {
		return
	}
	m.reconcileFixes.Inc()
}

func (m *PointsMetrics) duplicateAward() {
	if m == nil {
		return
	}
	m.awardsSkipped.Inc()
}
