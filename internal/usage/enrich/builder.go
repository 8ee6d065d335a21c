package enrich

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/usagesvc/internal/usage/domain"
)

// BaseInput describes a request before the provider has answered.
type BaseInput struct {
	RequestID        string
	UserID           string
	Endpoint         string
	Provider         string
	Model            string
	Action           string
	Timestamp        time.Time
	Plan             map[string]any
	SubscriptionType string
	CountryCode      string
	UserCurrency     string
	Metadata         map[string]any

	// TokenPayload is the client payload the request carried. It supplies
	// defaults for any field above left empty.
	TokenPayload map[string]any
	Headers      http.Header
}

// BuildBaseEvent assembles the request-time part of an event.
func BuildBaseEvent(in BaseInput) domain.UsageEvent {
	payload := in.TokenPayload
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	ev := domain.UsageEvent{
		RequestID:        in.RequestID,
		UserID:           in.UserID,
		Timestamp:        ts.UTC().Unix(),
		Action:           in.Action,
		Endpoint:         in.Endpoint,
		Provider:         firstString(in.Provider, str(payload, "provider"), DefaultProvider),
		Model:            firstString(in.Model, str(payload, "model")),
		SubscriptionType: firstString(in.SubscriptionType, str(payload, "subscriptionType"), str(payload, "subscription_type")),
		CountryCode:      firstString(in.CountryCode, str(payload, "countryCode"), str(payload, "country_code")),
		UserCurrency:     firstString(in.UserCurrency, str(payload, "userCurrency"), str(payload, "currency"), DefaultCurrency),
		Plan:             in.Plan,
	}
	if ev.Action == "" {
		ev.Action = ev.Endpoint
	}
	if len(ev.Plan) == 0 {
		if plan, ok := payload["plan"].(map[string]any); ok && len(plan) > 0 {
			ev.Plan = plan
		}
	}
	if meta := mergeMetadata(payload, in.Headers, in.Metadata); len(meta) > 0 {
		ev.Metadata = meta
	}
	return ev
}

// FinalizeInput is what is known once the provider has answered.
type FinalizeInput struct {
	InputTokens            int64
	OutputTokens           int64
	CachedTokens           int64
	IsCacheHit             bool
	LatencyMs              *int64
	Status                 string
	ErrorCode              string
	CostCalculationVersion string
	ThrottlingDecision     map[string]any
	Quotas                 map[string]any
	Credits                map[string]any
}

// FinalizeEvent completes base with token counts and cost. Unlike Enrich it
// overwrites the usage fields it owns.
func (e *Enricher) FinalizeEvent(ctx context.Context, base domain.UsageEvent, in FinalizeInput) domain.UsageEvent {
	ev := base.Clone()
	currency := strings.ToUpper(strings.TrimSpace(ev.UserCurrency))
	if currency == "" {
		currency = DefaultCurrency
	}

	costUSD, priced := e.price(ev.Model, in.InputTokens, in.OutputTokens)
	rate := e.rate(ctx, DefaultCurrency, currency)

	ev.InputTokens = domain.Int64(in.InputTokens)
	ev.OutputTokens = domain.Int64(in.OutputTokens)
	ev.TotalTokens = domain.Int64(in.InputTokens + in.OutputTokens)
	ev.CachedTokens = domain.Int64(in.CachedTokens)
	ev.IsCacheHit = domain.Bool(in.IsCacheHit)
	ev.LatencyMs = in.LatencyMs
	ev.Status = firstString(in.Status, DefaultStatus)
	ev.ErrorCode = in.ErrorCode
	ev.CostUSD = domain.Float64(costUSD)
	ev.Cost = &domain.Money{Amount: round(costUSD * rate.Rate), Currency: currency}
	ev.FX = fxInfo(rate)
	ev.CostCalculationVersion = firstString(in.CostCalculationVersion, e.cfg.CostCalculationVersion)
	ev.PricingStatus = domain.PricingStatusPriced
	if !priced && (in.InputTokens != 0 || in.OutputTokens != 0) {
		ev.PricingStatus = domain.PricingStatusUnpriced
		e.metrics.IncUnpriced()
	}
	if len(in.ThrottlingDecision) > 0 {
		ev.ThrottlingDecision = in.ThrottlingDecision
	}
	if len(in.Quotas) > 0 {
		ev.Quotas = in.Quotas
	}
	if len(in.Credits) > 0 {
		ev.Credits = in.Credits
	}
	ev.CostTracked = nil
	e.fillTracked(ctx, &ev)
	return ev
}

func mergeMetadata(payload map[string]any, headers http.Header, explicit map[string]any) map[string]any {
	meta := map[string]any{}
	set := func(key string, values ...string) {
		if v := firstString(values...); v != "" {
			meta[key] = v
		}
	}
	set("platform", str(payload, "platform"), headers.Get("X-Platform"), headers.Get("X-Client-Platform"))
	set("appVersion", str(payload, "appVersion"), headers.Get("X-App-Version"), headers.Get("X-Client-Version"))
	set("ipCountry", str(payload, "ipCountry"), headers.Get("X-Ip-Country"))

	if v, ok := payload["ipCountryMismatch"]; ok && v != nil {
		meta["ipCountryMismatch"] = v
	} else if values := headers.Values("X-Ip-Country-Mismatch"); len(values) > 0 {
		switch strings.ToLower(strings.TrimSpace(values[0])) {
		case "1", "true", "yes":
			meta["ipCountryMismatch"] = true
		default:
			meta["ipCountryMismatch"] = false
		}
	}
	for k, v := range explicit {
		if v != nil {
			meta[k] = v
		}
	}
	return meta
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func firstString(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
