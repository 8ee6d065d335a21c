// Package dispatch runs aggregate updates on a bounded in-process worker
// pool. Queued events are lost on restart.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	obslogger "github.com/smallbiznis/usagesvc/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/usagesvc/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"github.com/smallbiznis/usagesvc/internal/usage/enrich"
	"github.com/smallbiznis/usagesvc/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Aggregator is the part of the usage service a job needs.
type Aggregator interface {
	UpdateAggregates(ctx context.Context, event usagedomain.UsageEvent) (bool, error)
	LogEvent(ctx context.Context, event usagedomain.UsageEvent) error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Aggregator usagedomain.Service
	Enricher   *enrich.Enricher     `optional:"true"`
	Metrics    *obsmetrics.Pipeline `optional:"true"`
	Config     Config               `optional:"true"`
}

type job struct {
	ctx   context.Context
	event usagedomain.UsageEvent
}

type Dispatcher struct {
	log        *zap.Logger
	aggregator Aggregator
	enricher   *enrich.Enricher
	metrics    *obsmetrics.Pipeline
	cfg        Config

	queue chan job
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewDispatcher(p Params) *Dispatcher {
	return New(p.Aggregator, p.Enricher, p.Config, p.Log, p.Metrics)
}

func New(aggregator Aggregator, enricher *enrich.Enricher, cfg Config, log *zap.Logger, m *obsmetrics.Pipeline) *Dispatcher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		log:        log.Named("usage.dispatch"),
		aggregator: aggregator,
		enricher:   enricher,
		metrics:    m,
		cfg:        cfg,
		queue:      make(chan job, cfg.QueueSize),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.log.Info("usage dispatcher started", zap.Int("workers", d.cfg.Workers), zap.Int("queue_size", d.cfg.QueueSize))
}

// Enqueue hands event to the workers without blocking. It returns false when
// the queue is full or the dispatcher is stopping.
func (d *Dispatcher) Enqueue(ctx context.Context, event usagedomain.UsageEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("usage event dropped, dispatcher stopped", zap.String("request_id", event.RequestID))
		d.metrics.IncDispatchDropped()
		return false
	}

	select {
	case d.queue <- job{ctx: correlation.Detach(ctx), event: event}:
		d.metrics.SetDispatchQueueDepth(len(d.queue))
		return true
	default:
		obslogger.WithContext(ctx, d.log).Warn("usage event dropped, dispatch queue full",
			zap.String("request_id", event.RequestID),
			zap.Int("queue_size", d.cfg.QueueSize),
		)
		d.metrics.IncDispatchDropped()
		return false
	}
}

// Stop rejects new events and waits for queued ones until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("usage dispatcher drained")
		return nil
	case <-ctx.Done():
		remaining := len(d.queue)
		d.log.Warn("usage dispatcher stop deadline reached", zap.Int("pending", remaining))
		return fmt.Errorf("dispatcher stop: %d events pending: %w", remaining, ctx.Err())
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		d.metrics.SetDispatchQueueDepth(len(d.queue))
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, d.cfg.JobTimeout)
	defer cancel()
	log := obslogger.WithContext(ctx, d.log).With(zap.String("request_id", j.event.RequestID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("usage dispatch job panicked", zap.Any("panic", r), zap.Stack("stack"))
			d.metrics.IncDispatchJob(obsmetrics.DispatchOutcomePanic)
		}
	}()

	event := j.event
	if d.enricher != nil {
		event = d.enricher.Enrich(ctx, event)
	}

	applied, err := d.aggregator.UpdateAggregates(ctx, event)
	if err != nil {
		log.Error("usage dispatch job failed",
			zap.String("reason", obsmetrics.ClassifyStoreError(err)),
			zap.Error(err),
		)
		d.metrics.IncDispatchJob(obsmetrics.DispatchOutcomeFailed)
		return
	}
	if !applied {
		log.Debug("usage event already applied")
		d.metrics.IncDispatchJob(obsmetrics.DispatchOutcomeDeduped)
		return
	}

	if d.cfg.WriteRawEvents {
		if err := d.aggregator.LogEvent(ctx, event); err != nil {
			log.Warn("write raw usage event failed", zap.Error(err))
		}
	}
	d.metrics.IncDispatchJob(obsmetrics.DispatchOutcomeApplied)
}
