// Package revenuecat turns RevenueCat webhook deliveries into plan snapshots
// and zero-token usage events.
package revenuecat

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
)

const (
	Provider        = "revenuecat"
	Endpoint        = "webhooks/revenuecat"
	RequestIDPrefix = "revenuecat:"
	actionPrefix    = "subscription_"
	amountScale     = 2
	millisPerSecond = 1000
)

var (
	ErrMissingEvent   = errors.New("revenuecat_missing_event")
	ErrMissingEventID = errors.New("revenuecat_missing_event_id")
	ErrMissingUserID  = errors.New("revenuecat_missing_app_user_id")
)

// Webhook is the delivery envelope.
type Webhook struct {
	APIVersion string         `json:"api_version"`
	Event      map[string]any `json:"event"`
}

type Amount struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// PlanSnapshot is the subscription state attached to aggregates.
type PlanSnapshot struct {
	ProductID             string   `json:"productId,omitempty"`
	Period                string   `json:"period,omitempty"`
	ListPrice             *Amount  `json:"listPrice,omitempty"`
	NetRevenueEstimate    *Amount  `json:"netRevenueEstimate,omitempty"`
	PlatformFeeEstimate   *Amount  `json:"platformFeeEstimate,omitempty"`
	CommissionPercentage  *float64 `json:"commissionPercentage,omitempty"`
	TaxPercentage         *float64 `json:"taxPercentage,omitempty"`
	Store                 string   `json:"store,omitempty"`
	RenewalNumber         *int64   `json:"renewalNumber,omitempty"`
	ExpiresAt             *int64   `json:"expiresAt,omitempty"`
	LastRevenueCatEventAt *int64   `json:"lastRevenueCatEventAt,omitempty"`
	CountryCode           string   `json:"countryCode,omitempty"`
	Currency              string   `json:"currency,omitempty"`
}

// MapEvent builds the plan snapshot from a webhook event body. Net revenue is
// list price times the take-home share; the platform fee is the remainder.
func MapEvent(event map[string]any) PlanSnapshot {
	currency := stringField(event, "currency")
	listPrice := floatField(event, "price_in_purchased_currency")
	takehome := floatField(event, "takehome_percentage")

	var netRevenue, platformFee *float64
	if listPrice != nil && takehome != nil {
		net := *listPrice * *takehome
		fee := *listPrice - net
		netRevenue, platformFee = &net, &fee
	}

	return PlanSnapshot{
		ProductID:             stringField(event, "product_id"),
		Period:                stringField(event, "period_type"),
		ListPrice:             amount(currency, listPrice),
		NetRevenueEstimate:    amount(currency, netRevenue),
		PlatformFeeEstimate:   amount(currency, platformFee),
		CommissionPercentage:  floatField(event, "commission_percentage"),
		TaxPercentage:         floatField(event, "tax_percentage"),
		Store:                 stringField(event, "store"),
		RenewalNumber:         intField(event, "renewal_number"),
		ExpiresAt:             intField(event, "expiration_at_ms"),
		LastRevenueCatEventAt: intField(event, "event_timestamp_ms"),
		CountryCode:           stringField(event, "country_code"),
		Currency:              currency,
	}
}

// AsMap renders the snapshot in its JSON shape.
func (p PlanSnapshot) AsMap() map[string]any {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// ToUsageEvent converts a delivery into a usage event that carries no tokens,
// so applying it only records the plan snapshot and an event count. The
// request id is derived from the RevenueCat event id, making redeliveries
// idempotent.
func ToUsageEvent(hook Webhook, now time.Time) (usagedomain.UsageEvent, error) {
	if len(hook.Event) == 0 {
		return usagedomain.UsageEvent{}, ErrMissingEvent
	}
	id := stringField(hook.Event, "id")
	if id == "" {
		return usagedomain.UsageEvent{}, ErrMissingEventID
	}
	userID := stringField(hook.Event, "app_user_id")
	if userID == "" {
		userID = stringField(hook.Event, "original_app_user_id")
	}
	if userID == "" {
		return usagedomain.UsageEvent{}, ErrMissingUserID
	}

	timestamp := now.UTC().Unix()
	if ms := intField(hook.Event, "event_timestamp_ms"); ms != nil && *ms > 0 {
		timestamp = *ms / millisPerSecond
	}

	snapshot := MapEvent(hook.Event)
	event := usagedomain.UsageEvent{
		RequestID:        RequestIDPrefix + id,
		EventID:          RequestIDPrefix + id,
		UserID:           userID,
		Timestamp:        timestamp,
		Action:           Action(stringField(hook.Event, "type")),
		Endpoint:         Endpoint,
		Provider:         Provider,
		SubscriptionType: snapshot.Period,
		CountryCode:      snapshot.CountryCode,
		UserCurrency:     snapshot.Currency,
		Plan:             snapshot.AsMap(),
	}
	meta := map[string]any{}
	if store := snapshot.Store; store != "" {
		meta["store"] = store
	}
	if env := stringField(hook.Event, "environment"); env != "" {
		meta["environment"] = env
	}
	if len(meta) > 0 {
		event.Metadata = meta
	}
	return event, nil
}

// Action names the usage action for a RevenueCat event type, for example
// INITIAL_PURCHASE becomes subscription_initial_purchase.
func Action(eventType string) string {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == "" {
		eventType = "unknown"
	}
	return actionPrefix + eventType
}

func amount(currency string, value *float64) *Amount {
	if value == nil || currency == "" {
		return nil
	}
	return &Amount{
		Amount:   decimal.NewFromFloat(*value).Round(amountScale).InexactFloat64(),
		Currency: currency,
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

func floatField(m map[string]any, key string) *float64 {
	var f float64
	switch v := m[key].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

func intField(m map[string]any, key string) *int64 {
	f := floatField(m, key)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}
