// Package ratelimit is a sliding-window limiter over Redis sorted sets.
// Each limiter class has its own rule; requests are keyed by class and
// caller identifier. Redis errors fail open.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/legalfunnel/internal/logger"
	"github.com/suPer8Hu/legalfunnel/internal/metrics"
)

type Rule struct {
	Limit  int
	Window time.Duration
}

// ParseRules reads "chat=20/1m,auth=5/30s".
func ParseRules(raw string) (map[string]Rule, error) {
	rules := make(map[string]Rule)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rest, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("rate limit %q: missing '='", part)
		}
		limitStr, windowStr, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("rate limit %q: missing '/'", part)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("rate limit %q: bad limit", part)
		}
		window, err := time.ParseDuration(strings.TrimSpace(windowStr))
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("rate limit %q: bad window", part)
		}
		rules[strings.TrimSpace(name)] = Rule{Limit: limit, Window: window}
	}
	return rules, nil
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// FailOpen is set when the store was unreachable and the request was let through.
	FailOpen bool
}

// window records one hit if the key is under limit and reports the count
// and the time (unix ms) when the oldest hit leaves the window.
type window interface {
	hit(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) (allowed bool, count, resetMs int64, err error)
}

type Limiter struct {
	store  window
	rules  map[string]Rule
	prefix string
	log    *logger.Logger
	now    func() time.Time
}

func New(rdb goredis.Scripter, rules map[string]Rule, log *logger.Logger) *Limiter {
	return newLimiter(&redisWindow{rdb: rdb}, rules, log)
}

func newLimiter(store window, rules map[string]Rule, log *logger.Logger) *Limiter {
	return &Limiter{
		store:  store,
		rules:  rules,
		prefix: "ratelimit:",
		log:    log.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// Check counts one request for identifier under limiterID. Unknown limiter
// ids are not limited. A non-nil error always comes with Allowed=true.
func (l *Limiter) Check(ctx context.Context, limiterID, identifier string) (Result, error) {
	rule, ok := l.rules[limiterID]
	if !ok {
		return Result{Allowed: true}, nil
	}
	now := l.now()
	key := l.prefix + limiterID + ":" + identifier
	member := ulid.Make().String()

	allowed, count, resetMs, err := l.store.hit(ctx, key, now.UnixMilli(), rule.Window.Milliseconds(), rule.Limit, member)
	if err != nil {
		metrics.ObserveRateLimit(limiterID, "fail_open")
		l.log.Warn("rate limiter unavailable, allowing request", "limiter", limiterID, "error", err)
		return Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   now.Add(rule.Window),
			FailOpen:  true,
		}, err
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   allowed,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(resetMs),
	}
	if allowed {
		metrics.ObserveRateLimit(limiterID, "allowed")
	} else {
		metrics.ObserveRateLimit(limiterID, "denied")
	}
	return res, nil
}

var slidingWindow = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

type redisWindow struct {
	rdb goredis.Scripter
}

func (w *redisWindow) hit(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) (bool, int64, int64, error) {
	vals, err := slidingWindow.Run(ctx, w.rdb, []string{key}, nowMs, windowMs, limit, member).Int64Slice()
	if err != nil {
		return false, 0, 0, err
	}
	if len(vals) != 3 {
		return false, 0, 0, fmt.Errorf("ratelimit: unexpected script reply %v", vals)
	}
	return vals[0] == 1, vals[1], vals[2], nil
}
