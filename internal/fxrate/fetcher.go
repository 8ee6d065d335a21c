package fxrate

import (
	"context"
	"strings"
)

// Fetcher resolves the current rate for one unit of base in quote.
type Fetcher interface {
	Fetch(ctx context.Context, base, quote string) (float64, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, base, quote string) (float64, error)

func (f FetcherFunc) Fetch(ctx context.Context, base, quote string) (float64, error) {
	return f(ctx, base, quote)
}

// StubFetcher returns fixed placeholder rates until a real source is wired.
type StubFetcher struct{}

func (StubFetcher) Fetch(_ context.Context, base, quote string) (float64, error) {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	switch {
	case base == quote:
		return 1.0, nil
	case base == "USD" && quote == "TRY":
		return 43.0, nil
	default:
		return 30.0, nil
	}
}
