package syncer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "copytrader"
	metricsSubsystem = "live"
)

// CopyResult labels the outcome of one (trade, account) copy attempt.
type CopyResult string

const (
	ResultCopied        CopyResult = "copied"
	ResultUnknown       CopyResult = "unknown"
	ResultSkippedNotBuy CopyResult = "skipped_not_buy"
	ResultSkippedBudget CopyResult = "skipped_budget"
	ResultDuplicate     CopyResult = "duplicate"
	ResultFailed        CopyResult = "failed"
)

// Metrics holds the Prometheus collectors for the live runner.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Ticks             prometheus.Counter
	TickErrors        prometheus.Counter
	TradesSeen        prometheus.Counter
	Copies            *prometheus.CounterVec
	SubmitDuration    prometheus.Histogram
	LastSeenTimestamp prometheus.Gauge
	Accounts          prometheus.Gauge
}

// NewMetrics registers the live runner collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ticks_total",
			Help:      "Number of polling ticks executed",
		}),
		TickErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tick_errors_total",
			Help:      "Number of ticks aborted by a fetch or store error",
		}),
		TradesSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "trades_seen_total",
			Help:      "Number of new trader fills observed",
		}),
		Copies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "copies_total",
			Help:      "Copy attempts per account by result",
		}, []string{"result"}),
		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "submit_duration_seconds",
			Help:      "Order submission latency including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		LastSeenTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "last_seen_timestamp_seconds",
			Help:      "Timestamp of the newest trader fill processed",
		}),
		Accounts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "accounts",
			Help:      "Managed accounts loaded on the last tick with new trades",
		}),
	}
}

func (m *Metrics) tick() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}

func (m *Metrics) tickError() {
	if m == nil {
		return
	}
	m.TickErrors.Inc()
}

func (m *Metrics) tradesSeen(n int) {
	if m == nil {
		return
	}
	m.TradesSeen.Add(float64(n))
}

func (m *Metrics) copyResult(r CopyResult) {
	if m == nil {
		return
	}
	m.Copies.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) submitted(d time.Duration) {
	if m == nil {
		return
	}
	m.SubmitDuration.Observe(d.Seconds())
}

func (m *Metrics) lastSeen(ts int64) {
	if m == nil {
		return
	}
	m.LastSeenTimestamp.Set(float64(ts))
}

func (m *Metrics) accounts(n int) {
	if m == nil {
		return
	}
	m.Accounts.Set(float64(n))
}

// CopyTraderStats is a point-in-time snapshot of the live runner.
type CopyTraderStats struct {
	Trader            string    `json:"trader"`
	Running           bool      `json:"running"`
	LastSeenTimestamp int64     `json:"last_seen_timestamp"`
	LastTickAt        time.Time `json:"last_tick_at"`
	LastError         string    `json:"last_error,omitempty"`
	Ticks             int64     `json:"ticks"`
	TradesSeen        int64     `json:"trades_seen"`
	Copied            int64     `json:"copied"`
	Unknown           int64     `json:"unknown"`
	Skipped           int64     `json:"skipped"`
	Duplicates        int64     `json:"duplicates"`
	Failed            int64     `json:"failed"`
}

func (s *CopyTraderStats) add(r CopyResult) {
	switch r {
	case ResultCopied:
		s.Copied++
	case ResultUnknown:
		s.Unknown++
	case ResultSkippedNotBuy, ResultSkippedBudget:
		s.Skipped++
	case ResultDuplicate:
		s.Duplicates++
	case ResultFailed:
		s.Failed++
	}
}
