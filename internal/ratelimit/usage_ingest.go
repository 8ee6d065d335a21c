package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/usagesvc/internal/config"
	"go.uber.org/zap"
)

const keyUsageIngestUser = "usage:ingest:user:%s"

// UsageIngestLimiter caps ingestion per user. A nil limiter allows everything.
type UsageIngestLimiter struct {
	enabled bool
	log     *zap.Logger

	client *redis.Client
	bucket *TokenBucket
	local  *LocalBucket

	userRate  float64
	userBurst int
}

func NewUsageIngestLimiter(cfg config.Config, log *zap.Logger) (*UsageIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if limitCfg.UserRate <= 0 || limitCfg.UserBurst <= 0 {
		return nil, errors.New("usage ingest user rate limit must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}

	l := &UsageIngestLimiter{
		enabled:   true,
		log:       log.Named("ratelimit"),
		local:     NewLocalBucket(),
		userRate:  limitCfg.UserRate,
		userBurst: limitCfg.UserBurst,
	}
	if addr := strings.TrimSpace(limitCfg.RedisAddr); addr != "" {
		l.client = redis.NewClient(&redis.Options{
			Addr:        addr,
			Password:    strings.TrimSpace(limitCfg.RedisPassword),
			DB:          limitCfg.RedisDB,
			DialTimeout: 500 * time.Millisecond,
			ReadTimeout: 250 * time.Millisecond,
			MaxRetries:  -1,
		})
		l.bucket = NewTokenBucket(l.client)
	} else {
		l.log.Info("rate limit redis not configured, using in-process limiter")
	}
	return l, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowUser takes one token from the user's bucket. Redis failures fall back
// to the in-process bucket rather than rejecting traffic.
func (l *UsageIngestLimiter) AllowUser(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &Result{}, errEmptyKey
	}
	key := fmt.Sprintf(keyUsageIngestUser, userID)

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, key, l.userRate, l.userBurst)
		if err == nil {
			return res, nil
		}
		l.log.Warn("redis rate limit failed, using in-process limiter", zap.Error(err))
	}
	return l.local.Allow(key, l.userRate, l.userBurst), nil
}

// Close releases the redis connection pool, if any.
func (l *UsageIngestLimiter) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
