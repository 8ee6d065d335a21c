package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/smallbiznis/usagesvc/internal/config"
	"github.com/smallbiznis/usagesvc/internal/observability"
	"github.com/smallbiznis/usagesvc/internal/ratelimit"
	"github.com/smallbiznis/usagesvc/internal/usage/dispatch"
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"github.com/smallbiznis/usagesvc/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUsageService struct {
	mu        sync.Mutex
	seen      map[string]bool
	ingested  []usagedomain.UsageEvent
	updated   []string
	ingestErr error
	view      *usagedomain.AggregateView
}

func newFakeUsageService() *fakeUsageService {
	return &fakeUsageService{seen: map[string]bool{}}
}

func (f *fakeUsageService) Ingest(ctx context.Context, event usagedomain.UsageEvent) (usagedomain.IngestResult, error) {
	if f.ingestErr != nil {
		return usagedomain.IngestResult{}, f.ingestErr
	}
	if err := event.Validate(); err != nil {
		return usagedomain.IngestResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	applied := !f.seen[event.RequestID]
	f.seen[event.RequestID] = true
	f.ingested = append(f.ingested, event)
	return usagedomain.IngestResult{
		Applied:   applied,
		RequestID: event.RequestID,
		EventID:   event.ResolvedEventID(),
		Event:     event,
	}, nil
}

func (f *fakeUsageService) UpdateAggregates(ctx context.Context, event usagedomain.UsageEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, event.RequestID)
	return true, nil
}

func (f *fakeUsageService) LogEvent(ctx context.Context, event usagedomain.UsageEvent) error {
	return nil
}

func (f *fakeUsageService) GetAggregate(ctx context.Context, period usagedomain.Period, userID, periodKey string) (usagedomain.AggregateView, error) {
	if !period.ValidKey(periodKey) {
		return usagedomain.AggregateView{}, usagedomain.ErrInvalidPeriodKey
	}
	if f.view == nil {
		return usagedomain.AggregateView{}, usagedomain.ErrAggregateMissing
	}
	return *f.view, nil
}

type serverOption func(*ServerParams)

func withInternalKey(key string) serverOption {
	return func(p *ServerParams) { p.Cfg.InternalKey = key }
}

func withDispatcher(d *dispatch.Dispatcher) serverOption {
	return func(p *ServerParams) { p.Dispatcher = d }
}

func withLimiter(l *ratelimit.UsageIngestLimiter) serverOption {
	return func(p *ServerParams) { p.UsageLimiter = l }
}

func newTestServer(t *testing.T, svc *fakeUsageService, opts ...serverOption) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p := ServerParams{
		Gin:      NewEngine(observability.Config{}, zap.NewNop()),
		Cfg:      config.Config{},
		Clock:    clock.NewFakeClock(time.Unix(1700000000, 0).UTC()),
		Usagesvc: svc,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return NewServer(p).Engine()
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func sampleEvent(requestID string) map[string]any {
	return map[string]any{
		"requestId":    requestID,
		"userId":       "u1",
		"timestamp":    1700000000,
		"action":       "chat",
		"model":        "gemini-2.5-flash",
		"inputTokens":  1000,
		"outputTokens": 200,
	}
}

func TestHealth(t *testing.T) {
	r := newTestServer(t, newFakeUsageService())

	w := doJSON(t, r, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ok"])
}

func TestIngestUsageReportsDedup(t *testing.T) {
	svc := newFakeUsageService()
	r := newTestServer(t, svc)

	w := doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r1"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, false, body["deduped"])
	assert.Equal(t, "r1", body["requestId"])
	assert.Equal(t, "r1", body["eventId"])

	w = doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["deduped"])
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestIngestUsageValidationError(t *testing.T) {
	r := newTestServer(t, newFakeUsageService())
	ev := sampleEvent("")

	w := doJSON(t, r, http.MethodPost, "/v1/usage/events", ev, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error.Type)
	require.Len(t, resp.Error.Errors, 1)
	assert.Equal(t, "invalid_request_id", resp.Error.Errors[0].Code)
	assert.Equal(t, "request_id", resp.Error.Errors[0].Field)
}

func TestIngestUsageRejectsNegativeUsage(t *testing.T) {
	r := newTestServer(t, newFakeUsageService())

	cases := map[string]struct {
		field string
		value any
		code  string
		want  string
	}{
		"input tokens": {"inputTokens", -500, "invalid_input_tokens", "input_tokens"},
		"cost usd":     {"costUSD", -3, "invalid_cost_usd", "cost_usd"},
		"local amount": {"cost", map[string]any{"amount": -1, "currency": "EUR"}, "invalid_cost", "cost"},
		"tracked cost": {"costTracked", -0.5, "invalid_cost_tracked", "cost_tracked"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ev := sampleEvent("neg")
			ev[tc.field] = tc.value

			for _, path := range []string{"/v1/usage/events", "/v1/usage/events/async"} {
				w := doJSON(t, r, http.MethodPost, path, ev, nil)
				require.Equal(t, http.StatusBadRequest, w.Code, path)

				var resp errorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				require.Len(t, resp.Error.Errors, 1)
				assert.Equal(t, tc.code, resp.Error.Errors[0].Code)
				assert.Equal(t, tc.want, resp.Error.Errors[0].Field)
			}
		})
	}
}

func TestIngestUsageMalformedBody(t *testing.T) {
	r := newTestServer(t, newFakeUsageService())

	w := doJSON(t, r, http.MethodPost, "/v1/usage/events", `{"requestId":`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/usage/events", `{"requestId":"r","timestamp":"yesterday"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request", resp.Error.Errors[0].Code)
}

func TestIngestUsageTransientStoreIsUnavailable(t *testing.T) {
	svc := newFakeUsageService()
	svc.ingestErr = db.ErrTransientStore
	r := newTestServer(t, svc)

	w := doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r1"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "service_unavailable", resp.Error.Type)
}

func TestInternalKeyRequired(t *testing.T) {
	r := newTestServer(t, newFakeUsageService(), withInternalKey("s3cret"))

	w := doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r1"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r1"), map[string]string{HeaderInternalKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r1"), map[string]string{HeaderInternalKey: "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r2"), map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIngestUsageAsync(t *testing.T) {
	svc := newFakeUsageService()
	d := dispatch.New(svc, nil, dispatch.Config{Workers: 1, QueueSize: 4}, zap.NewNop(), nil)
	d.Start()
	r := newTestServer(t, svc, withDispatcher(d))

	w := doJSON(t, r, http.MethodPost, "/v1/usage/events/async", sampleEvent("a1"), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, "a1", body["requestId"])

	w = doJSON(t, r, http.MethodPost, "/v1/usage/events/async", sampleEvent(""), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"a1"}, svc.updated)
}

func TestIngestUsageAsyncWithoutCapacity(t *testing.T) {
	svc := newFakeUsageService()
	d := dispatch.New(svc, nil, dispatch.Config{Workers: 1, QueueSize: 1}, zap.NewNop(), nil)
	require.NoError(t, d.Stop(context.Background()))
	r := newTestServer(t, svc, withDispatcher(d))

	w := doJSON(t, r, http.MethodPost, "/v1/usage/events/async", sampleEvent("a1"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	r = newTestServer(t, svc)
	w = doJSON(t, r, http.MethodPost, "/v1/usage/events/async", sampleEvent("a2"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRevenueCatWebhook(t *testing.T) {
	svc := newFakeUsageService()
	r := newTestServer(t, svc)
	hook := map[string]any{
		"api_version": "1.0",
		"event": map[string]any{
			"id":                 "evt_1",
			"type":               "INITIAL_PURCHASE",
			"app_user_id":        "u1",
			"product_id":         "pro_monthly",
			"period_type":        "NORMAL",
			"price":              9.99,
			"currency":           "USD",
			"event_timestamp_ms": 1700000000000,
		},
	}

	w := doJSON(t, r, http.MethodPost, "/v1/webhooks/revenuecat", hook, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "revenuecat:evt_1", body["requestId"])
	assert.Equal(t, false, body["deduped"])

	w = doJSON(t, r, http.MethodPost, "/v1/webhooks/revenuecat", hook, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["deduped"])

	svc.mu.Lock()
	ev := svc.ingested[0]
	svc.mu.Unlock()
	assert.Equal(t, "subscription_initial_purchase", ev.Action)
	assert.Equal(t, int64(1700000000), ev.Timestamp)
	assert.Equal(t, "u1", ev.UserID)
}

func TestRevenueCatWebhookMissingEventID(t *testing.T) {
	r := newTestServer(t, newFakeUsageService())

	w := doJSON(t, r, http.MethodPost, "/v1/webhooks/revenuecat", map[string]any{
		"event": map[string]any{"type": "RENEWAL", "app_user_id": "u1"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "revenuecat_missing_event_id", resp.Error.Errors[0].Code)
	assert.Equal(t, "event_id", resp.Error.Errors[0].Field)
}

func TestGetUsageAggregates(t *testing.T) {
	svc := newFakeUsageService()
	r := newTestServer(t, svc)

	w := doJSON(t, r, http.MethodGet, "/v1/usage/users/u1/daily/20231114", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/usage/users/u1/daily/2023-11-14", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.view = &usagedomain.AggregateView{
		Aggregate: usagedomain.Aggregate{
			ID:               usagedomain.AggregateID("u1", "202311"),
			UserID:           "u1",
			PeriodKey:        "202311",
			TotalInputTokens: 300,
			TotalEvents:      2,
			TrackedCurrency:  "TRY",
		},
		Actions: map[string]usagedomain.AggregateAction{
			"chat": {Action: "chat", TokensIn: 300, Events: 2},
		},
	}
	w = doJSON(t, r, http.MethodGet, "/v1/usage/users/u1/monthly/202311", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 300, body["totalInputTokens"])
	assert.Equal(t, "TRY", body["trackedCurrency"])
	actions, ok := body["actions"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, actions, "chat")
}

func TestUsageIngestRateLimit(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, UserRate: 1, UserBurst: 1}}
	limiter, err := ratelimit.NewUsageIngestLimiter(cfg, zap.NewNop())
	require.NoError(t, err)
	svc := newFakeUsageService()
	r := newTestServer(t, svc, withLimiter(limiter))

	w := doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r1"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/usage/events", sampleEvent("r2"), nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, rateLimitReasonUserRate, w.Header().Get("X-Rate-Limited-Reason"))

	// other users keep their own bucket
	other := sampleEvent("r3")
	other["userId"] = "u2"
	w = doJSON(t, r, http.MethodPost, "/v1/usage/events", other, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "3", retryAfterSeconds(2100*time.Millisecond))
}
