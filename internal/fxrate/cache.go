package fxrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/smallbiznis/usagesvc/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 24 * time.Hour

var ErrInvalidCurrency = errors.New("invalid_currency")

const (
	SourceIdentity = "identity"
	SourceCache    = "cache"
	SourceFetched  = "fetched"
	SourceStale    = "stale"
	SourceFallback = "fallback"
)

// Rate is one unit of Base expressed in Quote.
type Rate struct {
	Base      string
	Quote     string
	Rate      float64
	UpdatedAt time.Time
	Source    string
}

// Cache is a process-local TTL cache in front of a Fetcher. Entries are
// never evicted. Concurrent misses on the same pair share one fetch.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Rate
	group   singleflight.Group

	fetcher Fetcher
	clock   clock.Clock
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Pipeline
}

func NewCache(fetcher Fetcher, clk clock.Clock, ttl time.Duration, log *zap.Logger, m *metrics.Pipeline) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		entries: make(map[string]Rate),
		fetcher: fetcher,
		clock:   clk,
		ttl:     ttl,
		log:     log,
		metrics: m,
	}
}

func cacheKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + ":" + strings.ToUpper(strings.TrimSpace(quote))
}

// GetOrFetch returns a rate no older than the TTL, fetching on a miss.
// A failed fetch degrades to the last known rate, however old, and then to
// the identity rate. Only invalid input is reported as an error.
func (c *Cache) GetOrFetch(ctx context.Context, base, quote string) (Rate, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == "" || quote == "" {
		return Rate{}, fmt.Errorf("%w: %q/%q", ErrInvalidCurrency, base, quote)
	}
	key := cacheKey(base, quote)

	if rate, ok := c.fresh(key); ok {
		c.metrics.IncFXLookup(metrics.FXResultHit)
		return rate, nil
	}

	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		// another caller may have refreshed while we waited
		if rate, ok := c.fresh(key); ok {
			return rate, nil
		}
		return c.refresh(ctx, key, base, quote), nil
	})
	return v.(Rate), nil
}

// Refresh fetches the pair regardless of age and stores the result. It
// degrades the same way GetOrFetch does.
func (c *Cache) Refresh(ctx context.Context, base, quote string) (Rate, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == "" || quote == "" {
		return Rate{}, fmt.Errorf("%w: %q/%q", ErrInvalidCurrency, base, quote)
	}
	key := cacheKey(base, quote)
	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		return c.refresh(ctx, key, base, quote), nil
	})
	return v.(Rate), nil
}

func (c *Cache) fresh(key string) (Rate, bool) {
	c.mu.RLock()
	rate, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Rate{}, false
	}
	if c.clock.Now().Sub(rate.UpdatedAt) > c.ttl {
		return Rate{}, false
	}
	rate.Source = SourceCache
	return rate, true
}

func (c *Cache) refresh(ctx context.Context, key, base, quote string) Rate {
	value, err := c.fetcher.Fetch(ctx, base, quote)
	if err == nil && value > 0 {
		rate := Rate{Base: base, Quote: quote, Rate: value, UpdatedAt: c.clock.Now(), Source: SourceFetched}
		c.mu.Lock()
		c.entries[key] = rate
		c.mu.Unlock()
		c.metrics.IncFXLookup(metrics.FXResultMiss)
		return rate
	}
	if err == nil {
		err = fmt.Errorf("non-positive rate %v", value)
	}

	c.mu.RLock()
	last, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.log.Warn("fx fetch failed, serving stale rate",
			zap.String("pair", key),
			zap.Time("rate_updated_at", last.UpdatedAt),
			zap.Error(err),
		)
		c.metrics.IncFXLookup(metrics.FXResultStale)
		last.Source = SourceStale
		return last
	}

	c.log.Warn("fx fetch failed, using identity rate", zap.String("pair", key), zap.Error(err))
	c.metrics.IncFXLookup(metrics.FXResultFallback)
	return Rate{Base: base, Quote: quote, Rate: 1.0, UpdatedAt: c.clock.Now(), Source: SourceFallback}
}

// Identity returns the 1.0 rate for a currency converted to itself.
func Identity(currency string, now time.Time) Rate {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	return Rate{Base: currency, Quote: currency, Rate: 1.0, UpdatedAt: now, Source: SourceIdentity}
}
