package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	DispatchOutcomeApplied = "applied"
	DispatchOutcomeDeduped = "deduped"
	DispatchOutcomeFailed  = "failed"
	DispatchOutcomePanic   = "panic"
)

const (
	TxResultCommitted = "committed"
	TxResultRetried   = "retried"
	TxResultExhausted = "exhausted"
	TxResultFailed    = "failed"
)

const (
	FXResultHit      = "hit"
	FXResultMiss     = "miss"
	FXResultStale    = "stale"
	FXResultFallback = "fallback"
)

const (
	StoreReasonDeadlineExceeded     = "deadline_exceeded"
	StoreReasonDBLockTimeout        = "db_lock_timeout"
	StoreReasonSerializationFailure = "serialization_failure"
	StoreReasonDeadlock             = "deadlock"
	StoreReasonUniqueViolation      = "unique_violation"
	StoreReasonUnknown              = "unknown"
)

// Pipeline captures ingestion pipeline health signals scraped from /metrics.
type Pipeline struct {
	dispatchJobs      *prometheus.CounterVec
	dispatchDropped   prometheus.Counter
	dispatchQueue     prometheus.Gauge
	txAttempts        *prometheus.CounterVec
	txErrors          *prometheus.CounterVec
	aggregateDuration prometheus.Observer
	fxLookups         *prometheus.CounterVec
	unpriced          prometheus.Counter
}

// NewPipeline registers the pipeline collectors on registerer.
func NewPipeline(registerer prometheus.Registerer, cfg Config) *Pipeline {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "usagesvc"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	dispatchJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "usagesvc_dispatch_jobs_total",
		Help:        "Background aggregate jobs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	dispatchDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "usagesvc_dispatch_dropped_total",
		Help:        "Events dropped because the dispatch queue was full.",
		ConstLabels: constLabels,
	})
	dispatchQueue := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "usagesvc_dispatch_queue_depth",
		Help:        "Events waiting in the dispatch queue.",
		ConstLabels: constLabels,
	})
	txAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "usagesvc_store_tx_attempts_total",
		Help:        "Aggregate transaction attempts by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	txErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "usagesvc_store_tx_errors_total",
		Help:        "Aggregate transaction errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	aggregateDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "usagesvc_aggregate_tx_duration_seconds",
		Help:        "Latency of the dedup plus aggregate transaction including retries.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})
	fxLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "usagesvc_fx_lookups_total",
		Help:        "FX cache lookups by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	unpriced := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "usagesvc_unpriced_events_total",
		Help:        "Events whose model has no pricing entry.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		dispatchJobs,
		dispatchDropped,
		dispatchQueue,
		txAttempts,
		txErrors,
		aggregateDuration,
		fxLookups,
		unpriced,
	)

	return &Pipeline{
		dispatchJobs:      dispatchJobs,
		dispatchDropped:   dispatchDropped,
		dispatchQueue:     dispatchQueue,
		txAttempts:        txAttempts,
		txErrors:          txErrors,
		aggregateDuration: aggregateDuration,
		fxLookups:         fxLookups,
		unpriced:          unpriced,
	}
}

func (m *Pipeline) IncDispatchJob(outcome string) {
	if m == nil {
		return
	}
	m.dispatchJobs.WithLabelValues(outcome).Inc()
}

func (m *Pipeline) IncDispatchDropped() {
	if m == nil {
		return
	}
	m.dispatchDropped.Inc()
}

func (m *Pipeline) SetDispatchQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.dispatchQueue.Set(float64(depth))
}

// ObserveTx records one finished transaction run of attempts tries.
func (m *Pipeline) ObserveTx(attempts int, err error, exhausted bool) {
	if m == nil {
		return
	}
	if attempts > 1 {
		m.txAttempts.WithLabelValues(TxResultRetried).Add(float64(attempts - 1))
	}
	switch {
	case err == nil:
		m.txAttempts.WithLabelValues(TxResultCommitted).Inc()
	case exhausted:
		m.txAttempts.WithLabelValues(TxResultExhausted).Inc()
		m.txErrors.WithLabelValues(ClassifyStoreError(err)).Inc()
	default:
		m.txAttempts.WithLabelValues(TxResultFailed).Inc()
		m.txErrors.WithLabelValues(ClassifyStoreError(err)).Inc()
	}
}

func (m *Pipeline) ObserveAggregateDuration(d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.aggregateDuration.Observe(d.Seconds())
}

func (m *Pipeline) IncFXLookup(result string) {
	if m == nil {
		return
	}
	m.fxLookups.WithLabelValues(result).Inc()
}

func (m *Pipeline) IncUnpriced() {
	if m == nil {
		return
	}
	m.unpriced.Inc()
}

// ClassifyStoreError maps store errors to a stable metric reason.
func ClassifyStoreError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StoreReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return StoreReasonUniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return StoreReasonDBLockTimeout
		case "40001":
			return StoreReasonSerializationFailure
		case "40P01":
			return StoreReasonDeadlock
		case "23505":
			return StoreReasonUniqueViolation
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205:
			return StoreReasonDBLockTimeout
		case 1213:
			return StoreReasonDeadlock
		case 1062:
			return StoreReasonUniqueViolation
		}
	}

	if strings.Contains(err.Error(), "database is locked") {
		return StoreReasonDBLockTimeout
	}
	return StoreReasonUnknown
}
