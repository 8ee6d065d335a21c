// Package domain holds the usage event shape and the persisted aggregate models.
package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Money is an amount in a named currency.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// FXInfo records the rate used to convert a USD cost.
type FXInfo struct {
	Base      string    `json:"base"`
	Quote     string    `json:"quote"`
	Rate      float64   `json:"rate"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	PricingStatusPriced   = "priced"
	PricingStatusUnpriced = "unpriced"
)

// UsageEvent is a single caller-submitted usage record. Optional numeric
// fields are pointers so an absent value can be told apart from zero.
// Unrecognized JSON members are kept in Extra and written back out.
type UsageEvent struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`

	EventID          string         `json:"eventId,omitempty"`
	Endpoint         string         `json:"endpoint,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	Model            string         `json:"model,omitempty"`
	SubscriptionType string         `json:"subscriptionType,omitempty"`
	CountryCode      string         `json:"countryCode,omitempty"`
	UserCurrency     string         `json:"userCurrency,omitempty"`
	Plan             map[string]any `json:"plan,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RawUsage         map[string]any `json:"rawUsage,omitempty"`

	InputTokens  *int64 `json:"inputTokens,omitempty"`
	OutputTokens *int64 `json:"outputTokens,omitempty"`
	TotalTokens  *int64 `json:"totalTokens,omitempty"`
	CachedTokens *int64 `json:"cachedTokens,omitempty"`
	IsCacheHit   *bool  `json:"isCacheHit,omitempty"`
	LatencyMs    *int64 `json:"latencyMs,omitempty"`
	Status       string `json:"status,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`

	Cost                   *Money   `json:"cost,omitempty"`
	CostUSD                *float64 `json:"costUSD,omitempty"`
	CostTracked            *float64 `json:"costTracked,omitempty"`
	FX                     *FXInfo  `json:"fx,omitempty"`
	CostCalculationVersion string   `json:"costCalculationVersion,omitempty"`
	PricingStatus          string   `json:"pricingStatus,omitempty"`

	ThrottlingDecision map[string]any `json:"throttlingDecision,omitempty"`
	Quotas             map[string]any `json:"quotas,omitempty"`
	Credits            map[string]any `json:"credits,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownKeys = func() map[string]struct{} {
	keys := map[string]struct{}{"currency": {}}
	t := reflect.TypeOf(UsageEvent{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
}()

// UnmarshalJSON accepts "currency" as an alias of userCurrency and an
// RFC 3339 string or a number for timestamp.
func (e *UsageEvent) UnmarshalJSON(b []byte) error {
	type alias UsageEvent
	aux := struct {
		*alias
		Timestamp json.RawMessage `json:"timestamp"`
		Currency  string          `json:"currency"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	if e.UserCurrency == "" {
		e.UserCurrency = aux.Currency
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for key := range raw {
		if _, ok := knownKeys[key]; ok {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		e.Extra = raw
	} else {
		e.Extra = nil
	}
	return nil
}

// MarshalJSON writes the known fields and then any preserved extras that do
// not collide with them.
func (e UsageEvent) MarshalJSON() ([]byte, error) {
	type alias UsageEvent
	b, err := json.Marshal(alias(e))
	if err != nil || len(e.Extra) == 0 {
		return b, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for key, value := range e.Extra {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

func parseTimestamp(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, err
		}
		str = strings.TrimSpace(str)
		if n, err := strconv.ParseFloat(str, 64); err == nil {
			return int64(n), nil
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return 0, fmt.Errorf("timestamp: %w", err)
		}
		return t.Unix(), nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp: %w", err)
	}
	return int64(n), nil
}

// Time returns the event timestamp in UTC.
func (e UsageEvent) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// ResolvedEventID is eventId, or requestId when eventId is empty.
func (e UsageEvent) ResolvedEventID() string {
	if id := strings.TrimSpace(e.EventID); id != "" {
		return id
	}
	return e.RequestID
}

// Clone returns a copy that shares no maps or pointers with e.
func (e UsageEvent) Clone() UsageEvent {
	b, err := json.Marshal(e)
	if err != nil {
		return e
	}
	var out UsageEvent
	if err := json.Unmarshal(b, &out); err != nil {
		return e
	}
	return out
}

func Int64(v int64) *int64 { return &v }

func Float64(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }

func DerefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func DerefFloat64(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
