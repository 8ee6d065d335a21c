package fxrate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const warmTimeout = 30 * time.Second

// Warmer refreshes a fixed set of pairs on a cron schedule so request paths
// rarely pay for a fetch.
type Warmer struct {
	cache    *Cache
	schedule string
	pairs    [][2]string
	log      *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewWarmer returns nil when schedule is empty.
func NewWarmer(cache *Cache, schedule string, pairs [][2]string, log *zap.Logger) (*Warmer, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid fx refresh schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Warmer{
		cache:    cache,
		schedule: schedule,
		pairs:    pairs,
		log:      log,
		cron:     cron.New(),
	}, nil
}

func (w *Warmer) Start() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if _, err := w.cron.AddFunc(w.schedule, w.WarmOnce); err != nil {
		return fmt.Errorf("schedule fx refresh: %w", err)
	}
	w.cron.Start()
	w.running = true
	w.log.Info("fx warmer started", zap.String("schedule", w.schedule), zap.Int("pairs", len(w.pairs)))
	return nil
}

// WarmOnce refreshes every configured pair.
func (w *Warmer) WarmOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()

	for _, pair := range w.pairs {
		rate, err := w.cache.Refresh(ctx, pair[0], pair[1])
		if err != nil {
			w.log.Warn("fx warm skipped", zap.String("base", pair[0]), zap.String("quote", pair[1]), zap.Error(err))
			continue
		}
		w.log.Debug("fx warmed",
			zap.String("base", rate.Base),
			zap.String("quote", rate.Quote),
			zap.Float64("rate", rate.Rate),
			zap.String("source", rate.Source),
		)
	}
}

// Stop waits for a running refresh to finish.
func (w *Warmer) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	<-w.cron.Stop().Done()
	w.running = false
	w.log.Info("fx warmer stopped")
}
