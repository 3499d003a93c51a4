// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Counters are shared by every server process, so a
// client cannot dodge its budget by reconnecting elsewhere.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 chat messages per 10 seconds per identity.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleTyping allows 20 typing signals per 10 seconds per session.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 20, Window: 10 * time.Second}

	// RuleReport allows 5 event reports per hour per identity.
	RuleReport = Rule{Key: "rl:report:", Limit: 5, Window: 1 * time.Hour}

	// RuleAnnounce allows 10 registration announcements per hour per identity.
	RuleAnnounce = Rule{Key: "rl:announce:", Limit: 10, Window: 1 * time.Hour}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("ratelimit: INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("ratelimit: EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}
