// Package enrich fills in token counts, cost and currency conversion on
// usage events before they are aggregated.
package enrich

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/smallbiznis/usagesvc/internal/config"
	"github.com/smallbiznis/usagesvc/internal/fxrate"
	"github.com/smallbiznis/usagesvc/internal/observability/metrics"
	"github.com/smallbiznis/usagesvc/internal/observability/tracing"
	"github.com/smallbiznis/usagesvc/internal/pricing"
	"github.com/smallbiznis/usagesvc/internal/usage/domain"
	"github.com/smallbiznis/usagesvc/internal/usage/tokens"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultCurrency = "USD"
	DefaultProvider = "gemini"
	DefaultStatus   = "success"

	// legacyTrackedCostKey is the pre-configurable name of costTracked.
	legacyTrackedCostKey = "costTRY"
)

type Config struct {
	TrackedCurrency        string
	CostCalculationVersion string
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		TrackedCurrency:        cfg.Usage.TrackedCurrency,
		CostCalculationVersion: cfg.Usage.CostCalculationVersion,
	}
}

// Enricher prices events and converts their cost. It never overwrites a
// field the caller already set.
type Enricher struct {
	pricing pricing.Source
	fx      *fxrate.Cache
	clock   clock.Clock
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Pipeline
}

func New(src pricing.Source, fx *fxrate.Cache, clk clock.Clock, cfg Config, log *zap.Logger, m *metrics.Pipeline) *Enricher {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.TrackedCurrency = strings.ToUpper(strings.TrimSpace(cfg.TrackedCurrency))
	if cfg.TrackedCurrency == "" {
		cfg.TrackedCurrency = config.DefaultTrackedCurrency
	}
	if strings.TrimSpace(cfg.CostCalculationVersion) == "" {
		cfg.CostCalculationVersion = config.DefaultCostCalculationVersion
	}
	return &Enricher{pricing: src, fx: fx, clock: clk, cfg: cfg, log: log, metrics: m}
}

func (e *Enricher) TrackedCurrency() string { return e.cfg.TrackedCurrency }

// Enrich returns a copy of event with missing usage fields resolved.
func (e *Enricher) Enrich(ctx context.Context, event domain.UsageEvent) domain.UsageEvent {
	ctx, span := tracing.Tracer("usage").Start(ctx, "usage.enrich")
	defer span.End()

	ev := event.Clone()
	e.fillTokens(&ev)

	in, out := domain.DerefInt64(ev.InputTokens), domain.DerefInt64(ev.OutputTokens)
	if (in != 0 || out != 0) && domain.DerefFloat64(ev.CostUSD) == 0 {
		e.fillCost(ctx, &ev, in, out)
	}
	if ev.CostCalculationVersion == "" {
		ev.CostCalculationVersion = e.cfg.CostCalculationVersion
	}
	e.fillTracked(ctx, &ev)

	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("model", ev.Model),
		attribute.String("pricing_status", ev.PricingStatus),
	)...)
	e.log.Debug("usage event enriched",
		zap.String("request_id", ev.RequestID),
		zap.Int64("input_tokens", in),
		zap.Int64("output_tokens", out),
		zap.Float64("cost_usd", domain.DerefFloat64(ev.CostUSD)),
	)
	return ev
}

func (e *Enricher) fillTokens(ev *domain.UsageEvent) {
	if len(ev.RawUsage) == 0 || (ev.InputTokens != nil && ev.OutputTokens != nil) {
		return
	}
	provider := ev.Provider
	if provider == "" {
		provider = DefaultProvider
	}
	counts := tokens.Parse(tokens.KindOf(provider), ev.RawUsage)
	if ev.InputTokens == nil {
		ev.InputTokens = domain.Int64(counts.Input)
	}
	if ev.OutputTokens == nil {
		ev.OutputTokens = domain.Int64(counts.Output)
	}
	if ev.TotalTokens == nil {
		ev.TotalTokens = domain.Int64(counts.Total)
	}
}

func (e *Enricher) fillCost(ctx context.Context, ev *domain.UsageEvent, in, out int64) {
	costUSD, priced := e.price(ev.Model, in, out)
	if ev.PricingStatus == "" {
		if priced {
			ev.PricingStatus = domain.PricingStatusPriced
		} else {
			ev.PricingStatus = domain.PricingStatusUnpriced
		}
	}
	if !priced {
		e.metrics.IncUnpriced()
		e.log.Warn("no pricing for model, cost recorded as zero",
			zap.String("request_id", ev.RequestID),
			zap.String("model", ev.Model),
		)
	}

	currency := strings.ToUpper(strings.TrimSpace(ev.UserCurrency))
	if currency == "" {
		currency = DefaultCurrency
	}
	rate := e.rate(ctx, DefaultCurrency, currency)

	// A caller-supplied costUSD, zero included, is kept and drives the
	// local amount.
	if ev.CostUSD == nil {
		ev.CostUSD = domain.Float64(costUSD)
	}
	costUSD = *ev.CostUSD
	if ev.Cost == nil {
		ev.Cost = &domain.Money{Amount: round(costUSD * rate.Rate), Currency: currency}
	}
	if ev.FX == nil {
		ev.FX = fxInfo(rate)
	}
}

func (e *Enricher) price(model string, in, out int64) (float64, bool) {
	if strings.TrimSpace(model) == "" || e.pricing == nil {
		return 0, false
	}
	return e.pricing.Current().Cost(model, in, out)
}

// fillTracked sets costTracked from costUSD, or from a legacy costTRY member
// when the tracked currency is TRY.
func (e *Enricher) fillTracked(ctx context.Context, ev *domain.UsageEvent) {
	if ev.CostTracked != nil {
		return
	}
	if e.cfg.TrackedCurrency == "TRY" {
		if raw, ok := ev.Extra[legacyTrackedCostKey]; ok {
			var legacy float64
			if err := json.Unmarshal(raw, &legacy); err == nil {
				ev.CostTracked = domain.Float64(legacy)
				return
			}
		}
	}
	if ev.CostUSD == nil {
		return
	}
	costUSD := *ev.CostUSD
	if costUSD == 0 {
		ev.CostTracked = domain.Float64(0)
		return
	}
	rate := e.rate(ctx, DefaultCurrency, e.cfg.TrackedCurrency)
	ev.CostTracked = domain.Float64(round(costUSD * rate.Rate))
}

// rate converts base into quote. Same-currency pairs never touch the cache.
func (e *Enricher) rate(ctx context.Context, base, quote string) fxrate.Rate {
	if strings.EqualFold(base, quote) || e.fx == nil {
		return fxrate.Identity(base, e.clock.Now())
	}
	r, err := e.fx.GetOrFetch(ctx, base, quote)
	if err != nil {
		e.log.Warn("fx lookup rejected, using identity rate", zap.String("quote", quote), zap.Error(err))
		return fxrate.Identity(base, e.clock.Now())
	}
	return r
}

func fxInfo(r fxrate.Rate) *domain.FXInfo {
	return &domain.FXInfo{Base: r.Base, Quote: r.Quote, Rate: r.Rate, UpdatedAt: r.UpdatedAt.UTC()}
}

func round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(pricing.CostScale).InexactFloat64()
}
