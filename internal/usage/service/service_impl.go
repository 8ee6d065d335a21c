package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/smallbiznis/usagesvc/internal/config"
	obslogger "github.com/smallbiznis/usagesvc/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/usagesvc/internal/observability/metrics"
	"github.com/smallbiznis/usagesvc/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"github.com/smallbiznis/usagesvc/internal/usage/enrich"
	"github.com/smallbiznis/usagesvc/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeApplied = "applied"
	outcomeDeduped = "deduped"
	outcomeFailed  = "failed"
)

type ServiceParam struct {
	fx.In

	Tx         *db.TxRunner
	Log        *zap.Logger
	Config     config.Config
	Clock      clock.Clock
	Enricher   *enrich.Enricher
	Dedup      usagedomain.DedupLocker
	Aggregates usagedomain.AggregateRepository
	EventLog   usagedomain.EventLogRepository
	Pipeline   *obsmetrics.Pipeline `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	tx  *db.TxRunner
	log *zap.Logger

	clock          clock.Clock
	enricher       *enrich.Enricher
	dedup          usagedomain.DedupLocker
	aggregates     usagedomain.AggregateRepository
	eventLog       usagedomain.EventLogRepository
	pipeline       *obsmetrics.Pipeline
	obsMetrics     *obsmetrics.Metrics
	writeRawEvents bool
}

func NewService(p ServiceParam) usagedomain.Service {
	return newService(p)
}

func newService(p ServiceParam) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		tx:  p.Tx,
		log: p.Log.Named("usage.service"),

		clock:          clk,
		enricher:       p.Enricher,
		dedup:          p.Dedup,
		aggregates:     p.Aggregates,
		eventLog:       p.EventLog,
		pipeline:       p.Pipeline,
		obsMetrics:     p.ObsMetrics,
		writeRawEvents: p.Config.Usage.WriteRawEvents,
	}
}

// Ingest is the synchronous path: validate, enrich, aggregate and, for a
// first application, write the audit copy.
func (s *Service) Ingest(ctx context.Context, event usagedomain.UsageEvent) (usagedomain.IngestResult, error) {
	ctx, span := tracing.Tracer("usage").Start(ctx, "usage.ingest")
	defer span.End()

	if err := event.Validate(); err != nil {
		return usagedomain.IngestResult{}, err
	}

	enriched := s.enricher.Enrich(ctx, event)
	applied, err := s.UpdateAggregates(ctx, enriched)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "aggregate update failed")
		s.obsMetrics.RecordUsageIngest(ctx, enriched.Action, outcomeFailed, 0)
		return usagedomain.IngestResult{}, err
	}

	outcome := outcomeDeduped
	if applied {
		outcome = outcomeApplied
		if s.writeRawEvents {
			if err := s.LogEvent(ctx, enriched); err != nil {
				// counters are already committed
				obslogger.WithContext(ctx, s.log).Warn("write raw usage event failed",
					zap.String("request_id", enriched.RequestID),
					zap.Error(err),
				)
			}
		}
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	s.obsMetrics.RecordUsageIngest(ctx, enriched.Action, outcome, usagedomain.DerefFloat64(enriched.CostUSD))

	return usagedomain.IngestResult{
		Applied:   applied,
		RequestID: enriched.RequestID,
		EventID:   enriched.ResolvedEventID(),
		Event:     enriched,
	}, nil
}

// UpdateAggregates claims the requestId and folds the event into its day and
// month in one transaction. A lost claim leaves every counter untouched.
func (s *Service) UpdateAggregates(ctx context.Context, event usagedomain.UsageEvent) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, err
	}
	ctx, span := tracing.Tracer("usage").Start(ctx, "usage.update_aggregates")
	defer span.End()

	eventAt := event.Time()
	dayKey := usagedomain.PeriodDaily.Key(eventAt)
	monthKey := usagedomain.PeriodMonthly.Key(eventAt)

	delta, err := s.deltaFor(event)
	if err != nil {
		return false, err
	}
	meta := usagedomain.LockMetadata{
		UserID:    event.UserID,
		Endpoint:  event.Endpoint,
		CreatedAt: delta.UpdatedAt,
	}

	started := time.Now()
	var applied bool
	err = s.tx.Run(ctx, func(tx *gorm.DB) error {
		applied = false
		won, err := s.dedup.Acquire(ctx, tx, event.RequestID, meta)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		if err := s.aggregates.Apply(ctx, tx, usagedomain.PeriodDaily, dayKey, delta); err != nil {
			return fmt.Errorf("apply daily aggregate: %w", err)
		}
		if err := s.aggregates.Apply(ctx, tx, usagedomain.PeriodMonthly, monthKey, delta); err != nil {
			return fmt.Errorf("apply monthly aggregate: %w", err)
		}
		applied = true
		return nil
	})
	s.pipeline.ObserveAggregateDuration(time.Since(started))
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "aggregate transaction failed")
		obslogger.WithContext(ctx, s.log).Error("aggregate update failed",
			zap.String("request_id", event.RequestID),
			zap.String("reason", obsmetrics.ClassifyStoreError(err)),
			zap.Error(err),
		)
		return false, err
	}

	span.SetAttributes(attribute.Bool("applied", applied))
	obslogger.WithContext(ctx, s.log).Debug("aggregates updated",
		zap.String("request_id", event.RequestID),
		zap.String("day", dayKey),
		zap.String("month", monthKey),
		zap.Bool("applied", applied),
		zap.Int64("input_tokens", delta.InputTokens),
		zap.Int64("output_tokens", delta.OutputTokens),
		zap.Float64("cost_usd", delta.CostUSD),
	)
	return applied, nil
}

func (s *Service) deltaFor(event usagedomain.UsageEvent) (usagedomain.AggregateDelta, error) {
	tracked := s.trackedCurrency()
	delta := usagedomain.AggregateDelta{
		UserID:          event.UserID,
		Action:          strings.TrimSpace(event.Action),
		InputTokens:     usagedomain.DerefInt64(event.InputTokens),
		OutputTokens:    usagedomain.DerefInt64(event.OutputTokens),
		CostUSD:         usagedomain.DerefFloat64(event.CostUSD),
		CostLocal:       localCost(event, tracked),
		Unpriced:        event.PricingStatus == usagedomain.PricingStatusUnpriced,
		TrackedCurrency: tracked,
		EventAt:         event.Timestamp,
		UpdatedAt:       s.clock.Now().UTC(),
	}
	if len(event.Plan) > 0 {
		plan, err := json.Marshal(event.Plan)
		if err != nil {
			return usagedomain.AggregateDelta{}, fmt.Errorf("encode plan snapshot: %w", err)
		}
		delta.PlanSnapshot = datatypes.JSON(plan)
	}
	return delta, nil
}

func (s *Service) trackedCurrency() string {
	if s.enricher == nil {
		return config.DefaultTrackedCurrency
	}
	return s.enricher.TrackedCurrency()
}

// localCost is costTracked when present, else the event cost if it is
// already in the tracked currency, else zero.
func localCost(event usagedomain.UsageEvent, tracked string) float64 {
	if event.CostTracked != nil {
		return *event.CostTracked
	}
	if event.Cost != nil && strings.EqualFold(strings.TrimSpace(event.Cost.Currency), tracked) {
		return event.Cost.Amount
	}
	return 0
}

// LogEvent upserts the raw audit copy keyed by the resolved eventId.
func (s *Service) LogEvent(ctx context.Context, event usagedomain.UsageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}
	return s.eventLog.Upsert(ctx, s.tx.DB(), usagedomain.UsageEventRecord{
		EventID:   event.ResolvedEventID(),
		RequestID: event.RequestID,
		UserID:    event.UserID,
		Action:    event.Action,
		Payload:   datatypes.JSON(payload),
		LoggedAt:  s.clock.Now().UTC(),
	})
}

func (s *Service) GetAggregate(ctx context.Context, period usagedomain.Period, userID, periodKey string) (usagedomain.AggregateView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return usagedomain.AggregateView{}, usagedomain.ErrInvalidUserID
	}
	if !period.ValidKey(periodKey) {
		return usagedomain.AggregateView{}, usagedomain.ErrInvalidPeriodKey
	}
	return s.aggregates.Get(ctx, s.tx.DB(), period, userID, periodKey)
}
