package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/pkg/apperror"
	"go.uber.org/zap"
)

const (
	keyInvite      = "tenancy:ratelimit:invite:%s"
	keyJoinRequest = "tenancy:ratelimit:join_request:%s"
)

var ErrRateLimited = apperror.RateLimited("rate_limited", "too many requests, retry later")

// ActionLimiter throttles invitation and join-request creation per actor. A
// nil limiter allows everything. Buckets live in redis when it is configured
// and in process otherwise.
type ActionLimiter struct {
	bucket *TokenBucket
	local  *localBuckets
	log    *zap.Logger

	inviteRate  float64
	inviteBurst int
	joinRate    float64
	joinBurst   int
}

func NewActionLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *ActionLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil
	}
	l := &ActionLimiter{
		log:         log.Named("ratelimit"),
		inviteRate:  limitCfg.InvitePerMinute / 60,
		inviteBurst: limitCfg.InviteBurst,
		joinRate:    limitCfg.JoinRequestPerMinute / 60,
		joinBurst:   limitCfg.JoinRequestBurst,
	}
	if client == nil {
		l.log.Warn("redis disabled, rate limits apply per replica")
		l.local = newLocalBuckets(time.Now)
		return l
	}
	l.bucket = NewTokenBucket(client)
	return l
}

func (l *ActionLimiter) AllowInvite(ctx context.Context, actorID string) error {
	if l == nil {
		return nil
	}
	return l.allow(ctx, fmt.Sprintf(keyInvite, strings.TrimSpace(actorID)), l.inviteRate, l.inviteBurst)
}

func (l *ActionLimiter) AllowJoinRequest(ctx context.Context, actorID string) error {
	if l == nil {
		return nil
	}
	return l.allow(ctx, fmt.Sprintf(keyJoinRequest, strings.TrimSpace(actorID)), l.joinRate, l.joinBurst)
}

// Redis failures fail open: throttling is abuse protection, not an invariant.
func (l *ActionLimiter) allow(ctx context.Context, key string, rate float64, burst int) error {
	if rate <= 0 || burst <= 0 {
		return nil
	}
	if l.local != nil {
		if !l.local.allow(key, rate, burst) {
			return ErrRateLimited
		}
		return nil
	}
	res, err := l.bucket.Allow(ctx, key, rate, burst)
	if err != nil {
		l.log.Warn("rate limit check failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !res.Allowed {
		return ErrRateLimited
	}
	return nil
}
