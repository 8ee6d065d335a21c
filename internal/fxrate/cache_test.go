package fxrate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingFetcher struct {
	calls atomic.Int32
	rate  float64
	err   error
	gate  chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context, base, quote string) (float64, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.rate, f.err
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStubFetcherRates(t *testing.T) {
	ctx := context.Background()
	r, _ := StubFetcher{}.Fetch(ctx, "usd", "usd")
	assert.Equal(t, 1.0, r)
	r, _ = StubFetcher{}.Fetch(ctx, "USD", "TRY")
	assert.Equal(t, 43.0, r)
	r, _ = StubFetcher{}.Fetch(ctx, "EUR", "TRY")
	assert.Equal(t, 30.0, r)
}

func TestGetOrFetchCachesWithinTTL(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	f := &countingFetcher{rate: 43}
	c := NewCache(f, clk, 24*time.Hour, zap.NewNop(), nil)

	first, err := c.GetOrFetch(context.Background(), "usd", "try")
	require.NoError(t, err)
	assert.Equal(t, 43.0, first.Rate)
	assert.Equal(t, SourceFetched, first.Source)
	assert.Equal(t, "USD", first.Base)

	clk.Advance(24 * time.Hour)
	second, err := c.GetOrFetch(context.Background(), "USD", "TRY")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, t0, second.UpdatedAt)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestGetOrFetchRefreshesAfterTTL(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	f := &countingFetcher{rate: 43}
	c := NewCache(f, clk, 24*time.Hour, zap.NewNop(), nil)

	_, err := c.GetOrFetch(context.Background(), "USD", "TRY")
	require.NoError(t, err)

	clk.Advance(24*time.Hour + time.Second)
	f.rate = 44
	rate, err := c.GetOrFetch(context.Background(), "USD", "TRY")
	require.NoError(t, err)
	assert.Equal(t, 44.0, rate.Rate)
	assert.Equal(t, clk.Now(), rate.UpdatedAt)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestGetOrFetchServesStaleOnError(t *testing.T) {
	clk := clock.NewFakeClock(t0)
	f := &countingFetcher{rate: 43}
	c := NewCache(f, clk, time.Hour, zap.NewNop(), nil)

	_, err := c.GetOrFetch(context.Background(), "USD", "TRY")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	f.err = errors.New("upstream down")
	rate, err := c.GetOrFetch(context.Background(), "USD", "TRY")
	require.NoError(t, err)
	assert.Equal(t, 43.0, rate.Rate)
	assert.Equal(t, SourceStale, rate.Source)
	assert.Equal(t, t0, rate.UpdatedAt)
}

func TestGetOrFetchFallsBackToIdentity(t *testing.T) {
	f := &countingFetcher{err: errors.New("upstream down")}
	c := NewCache(f, clock.NewFakeClock(t0), time.Hour, zap.NewNop(), nil)

	rate, err := c.GetOrFetch(context.Background(), "USD", "TRY")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate.Rate)
	assert.Equal(t, SourceFallback, rate.Source)
}

func TestGetOrFetchRejectsEmptyCurrency(t *testing.T) {
	c := NewCache(StubFetcher{}, clock.NewFakeClock(t0), time.Hour, zap.NewNop(), nil)
	_, err := c.GetOrFetch(context.Background(), "", "TRY")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestGetOrFetchCollapsesConcurrentMisses(t *testing.T) {
	f := &countingFetcher{rate: 43, gate: make(chan struct{})}
	c := NewCache(f, clock.NewFakeClock(t0), time.Hour, zap.NewNop(), nil)

	const callers = 8
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			started.Done()
			rate, err := c.GetOrFetch(context.Background(), "USD", "TRY")
			assert.NoError(t, err)
			assert.Equal(t, 43.0, rate.Rate)
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	done.Wait()

	assert.EqualValues(t, 1, f.calls.Load())
}

func TestIdentity(t *testing.T) {
	rate := Identity("usd", t0)
	assert.Equal(t, 1.0, rate.Rate)
	assert.Equal(t, "USD", rate.Quote)
	assert.Equal(t, t0, rate.UpdatedAt)
}
