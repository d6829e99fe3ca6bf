package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alejandrodnm/liquidator/internal/domain"
)

const Namespace = "liquidator"

// Outcome label values.
const (
	LabelConfirmed       = "confirmed"
	LabelNotLiquidatable = "not_liquidatable"
	LabelReverted        = "reverted"
	LabelTimedOut        = "timed_out"
	LabelRejected        = "rejected_by_node"
)

// Metrics implements ports.Reporter and ports.QueueObserver on Prometheus.
type Metrics struct {
	outcomes  *prometheus.CounterVec
	abandoned prometheus.Counter
	attempts  prometheus.Histogram
	feeBid    prometheus.Histogram

	candidates prometheus.Gauge
	inFlight   prometheus.Gauge
	settled    prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outcomes_total",
			Help:      "Terminal liquidation outcomes per account, by outcome",
		}, []string{"outcome"}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "abandoned_total",
			Help:      "Accounts abandoned after exhausting the retry budget",
		}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "attempts",
			Help:      "Failed submissions before the terminal outcome",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
		feeBid: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "fee_bid_gwei",
			Help:      "Gas price bid of the submission that reached a terminal outcome",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "candidates",
			Help:      "Liquidatable accounts waiting for dispatch",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "in_flight",
			Help:      "Accounts with an absorb in flight",
		}),
		settled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "settled_accounts",
			Help:      "Accounts with a recorded terminal transition",
		}),
	}

	collectors := []prometheus.Collector{
		m.outcomes, m.abandoned, m.attempts, m.feeBid,
		m.candidates, m.inFlight, m.settled,
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Report counts a terminal event.
func (m *Metrics) Report(_ context.Context, ev domain.Event) error {
	m.outcomes.WithLabelValues(OutcomeLabel(ev)).Inc()
	if ev.Abandoned {
		m.abandoned.Inc()
	}
	m.attempts.Observe(float64(ev.Attempt))
	m.feeBid.Observe(float64(ev.FeeBid) / 1e9)
	return nil
}

// ObserveQueue updates the queue gauges.
func (m *Metrics) ObserveQueue(stats domain.Stats) {
	m.candidates.Set(float64(stats.Candidates))
	m.inFlight.Set(float64(stats.InFlight))
	m.settled.Set(float64(stats.Settled))
}

// OutcomeLabel maps an event to its outcome label value.
func OutcomeLabel(ev domain.Event) string {
	switch ev.Outcome {
	case domain.OutcomeConfirmed:
		if ev.Reason == domain.ReasonNotLiquidatable {
			return LabelNotLiquidatable
		}
		return LabelConfirmed
	case domain.OutcomeReverted:
		return LabelReverted
	case domain.OutcomeTimedOut:
		return LabelTimedOut
	case domain.OutcomeRejectedByNode:
		return LabelRejected
	default:
		return strings.ToLower(string(ev.Outcome))
	}
}
