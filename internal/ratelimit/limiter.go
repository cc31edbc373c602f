// Package ratelimit implements fixed-window, sliding-window and token-bucket
// rate limiting over a shared Redis store, so that limits hold across every
// worker process talking to the same store.
//
// Every state mutation is a single Lua script round trip. When the store is
// unreachable, checks fail open: the request is allowed and the result is
// marked Degraded.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mfenderov/gigsync/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Algorithm selects the limiting strategy for a Rule.
type Algorithm string

const (
	// FixedWindow counts requests per floor(now/window). It allows up to
	// twice the limit in a burst straddling a window boundary.
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
)

// Rule configures one limit.
type Rule struct {
	Algorithm     Algorithm     `mapstructure:"algorithm"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	Limit         int           `mapstructure:"limit"`
	Window        time.Duration `mapstructure:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	// Tokens is the cost of one check for TokenBucket. Defaults to 1.
	Tokens int `mapstructure:"tokens"`
}

func (r Rule) validate() error {
	switch r.Algorithm {
	case FixedWindow, SlidingWindow, TokenBucket:
	default:
		return fmt.Errorf("unknown rate limit algorithm %q", r.Algorithm)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", r.Limit)
	}
	if r.Window < time.Millisecond {
		return fmt.Errorf("rate limit window must be at least 1ms, got %v", r.Window)
	}
	if r.Algorithm == TokenBucket && r.cost() > r.Limit {
		return fmt.Errorf("token cost %d exceeds bucket capacity %d", r.cost(), r.Limit)
	}
	return nil
}

func (r Rule) cost() int {
	if r.Tokens <= 0 {
		return 1
	}
	return r.Tokens
}

// Result is the outcome of a single check.
type Result struct {
	Allowed    bool
	Count      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
	// Degraded is set when the store failed and the request was let through.
	Degraded bool
}

// Violation is one denied check, kept in a capped list for operators.
type Violation struct {
	Key       string    `json:"key"`
	Algorithm Algorithm `json:"algorithm"`
	Limit     int       `json:"limit"`
	Count     int       `json:"count"`
	At        time.Time `json:"at"`
}

// Limiter checks rules against Redis.
type Limiter struct {
	rdb          redis.UniversalClient
	namespace    string
	now          func() time.Time
	violationCap int64
	violationTTL time.Duration
	metrics      *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for window arithmetic.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithNamespace sets the key namespace. Default: "gigsync".
func WithNamespace(ns string) Option {
	return func(l *Limiter) { l.namespace = ns }
}

// WithViolationLog caps the violation list length and sets its expiry.
func WithViolationLog(size int64, ttl time.Duration) Option {
	return func(l *Limiter) {
		l.violationCap = size
		l.violationTTL = ttl
	}
}

// WithMetrics records decisions to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter on top of rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:          rdb,
		namespace:    "gigsync",
		now:          time.Now,
		violationCap: 1000,
		violationTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check applies rule to identity and reports whether the request may proceed.
// The only error returned is for an invalid rule; store failures fail open.
func (l *Limiter) Check(ctx context.Context, identity string, rule Rule) (Result, error) {
	if err := rule.validate(); err != nil {
		return Result{}, err
	}

	var (
		res Result
		err error
	)
	switch rule.Algorithm {
	case FixedWindow:
		res, err = l.fixedWindow(ctx, identity, rule)
	case SlidingWindow:
		res, err = l.slidingWindow(ctx, identity, rule)
	case TokenBucket:
		res, err = l.tokenBucket(ctx, identity, rule)
	}
	if err != nil {
		slog.Warn("rate limiter store unavailable, allowing request",
			"algorithm", rule.Algorithm, "key", rule.KeyPrefix, "identity", identity, "error", err)
		l.metrics.LimiterDecision(string(rule.Algorithm), "degraded")
		return Result{
			Allowed:   true,
			Remaining: rule.Limit,
			ResetTime: l.now().Add(rule.Window),
			Degraded:  true,
		}, nil
	}

	if res.Allowed {
		l.metrics.LimiterDecision(string(rule.Algorithm), "allowed")
		return res, nil
	}

	l.metrics.LimiterDecision(string(rule.Algorithm), "denied")
	if rule.BlockDuration > 0 {
		if err := l.rdb.Set(ctx, l.blockKey(rule.KeyPrefix, identity), "1", rule.BlockDuration).Err(); err != nil {
			slog.Warn("failed to set rate limit block", "key", rule.KeyPrefix, "identity", identity, "error", err)
		} else if rule.BlockDuration > res.RetryAfter {
			res.RetryAfter = rule.BlockDuration
		}
	}
	l.recordViolation(ctx, identity, rule, res)
	return res, nil
}

func (l *Limiter) fixedWindow(ctx context.Context, identity string, rule Rule) (Result, error) {
	now := l.now()
	windowMs := rule.Window.Milliseconds()
	index := now.UnixMilli() / windowMs
	key := l.key(FixedWindow, rule.KeyPrefix, identity) + ":" + strconv.FormatInt(index, 10)

	count, err := fixedWindowScript.Run(ctx, l.rdb, []string{key}, windowMs).Int64()
	if err != nil {
		return Result{}, err
	}

	reset := time.UnixMilli((index + 1) * windowMs)
	res := Result{
		Allowed:   int(count) <= rule.Limit,
		Count:     int(count),
		Remaining: max(0, rule.Limit-int(count)),
		ResetTime: reset,
	}
	if !res.Allowed {
		res.RetryAfter = reset.Sub(now)
	}
	return res, nil
}

func (l *Limiter) slidingWindow(ctx context.Context, identity string, rule Rule) (Result, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := rule.Window.Milliseconds()
	key := l.key(SlidingWindow, rule.KeyPrefix, identity)
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	vals, err := slidingWindowScript.Run(ctx, l.rdb, []string{key}, nowMs, windowMs, rule.Limit, member).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("sliding window script returned %d values", len(vals))
	}

	allowed, count, oldest := vals[0] == 1, int(vals[1]), vals[2]
	reset := time.UnixMilli(oldest + windowMs)
	res := Result{
		Allowed:   allowed,
		Count:     count,
		Remaining: max(0, rule.Limit-count),
		ResetTime: reset,
	}
	if !allowed {
		res.RetryAfter = max(time.Millisecond, reset.Sub(now))
	}
	return res, nil
}

func (l *Limiter) tokenBucket(ctx context.Context, identity string, rule Rule) (Result, error) {
	now := l.now()
	windowMs := rule.Window.Milliseconds()
	key := l.key(TokenBucket, rule.KeyPrefix, identity)
	capacity := int64(rule.Limit) * windowMs
	cost := int64(rule.cost()) * windowMs
	ttl := 2 * windowMs

	vals, err := tokenBucketScript.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(), capacity, rule.Limit, cost, ttl).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(vals) != 4 {
		return Result{}, fmt.Errorf("token bucket script returned %d values", len(vals))
	}

	remaining := int(vals[1] / windowMs)
	res := Result{
		Allowed:   vals[0] == 1,
		Count:     rule.Limit - remaining,
		Remaining: remaining,
		ResetTime: now.Add(time.Duration(vals[3]) * time.Millisecond),
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	}
	return res, nil
}

// IsBlocked reports whether a block marker is set for prefix/identity.
// Callers should not retry while blocked. Store errors report not blocked.
func (l *Limiter) IsBlocked(ctx context.Context, prefix, identity string) bool {
	_, blocked := l.BlockedFor(ctx, prefix, identity)
	return blocked
}

// BlockedFor returns the remaining block time for prefix/identity.
func (l *Limiter) BlockedFor(ctx context.Context, prefix, identity string) (time.Duration, bool) {
	ttl, err := l.rdb.PTTL(ctx, l.blockKey(prefix, identity)).Result()
	if err != nil {
		slog.Warn("failed to read rate limit block", "key", prefix, "identity", identity, "error", err)
		return 0, false
	}
	// go-redis reports a missing key as -2 and a key without expiry as -1.
	switch ttl {
	case -2:
		return 0, false
	case -1:
		return 0, true
	}
	return ttl, ttl > 0
}

func (l *Limiter) recordViolation(ctx context.Context, identity string, rule Rule, res Result) {
	v := Violation{
		Key:       rule.KeyPrefix + ":" + identity,
		Algorithm: rule.Algorithm,
		Limit:     rule.Limit,
		Count:     res.Count,
		At:        l.now(),
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	key := l.violationsKey()
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, l.violationCap-1)
		pipe.Expire(ctx, key, l.violationTTL)
		return nil
	})
	if err != nil {
		slog.Debug("failed to record rate limit violation", "key", v.Key, "error", err)
	}
}

// Violations returns up to n of the most recent violations, newest first.
func (l *Limiter) Violations(ctx context.Context, n int64) ([]Violation, error) {
	if n <= 0 {
		n = l.violationCap
	}
	raw, err := l.rdb.LRange(ctx, l.violationsKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read violations: %w", err)
	}
	out := make([]Violation, 0, len(raw))
	for _, r := range raw {
		var v Violation
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Reset clears all limiter state and any block for prefix/identity.
func (l *Limiter) Reset(ctx context.Context, prefix, identity string) error {
	keys := []string{
		l.key(SlidingWindow, prefix, identity),
		l.key(TokenBucket, prefix, identity),
		l.blockKey(prefix, identity),
	}
	fixed, err := l.scan(ctx, l.key(FixedWindow, prefix, identity)+":*")
	if err != nil {
		return err
	}
	keys = append(keys, fixed...)
	if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit state: %w", err)
	}
	return nil
}

// Cleanup removes sliding-window entries older than horizon for every
// identity under prefix and returns how many entries were removed.
func (l *Limiter) Cleanup(ctx context.Context, prefix string, horizon time.Duration) (int64, error) {
	keys, err := l.scan(ctx, l.key(SlidingWindow, prefix, "*"))
	if err != nil {
		return 0, err
	}
	cutoff := strconv.FormatInt(l.now().Add(-horizon).UnixMilli(), 10)
	var removed int64
	for _, key := range keys {
		n, err := l.rdb.ZRemRangeByScore(ctx, key, "-inf", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", key, err)
		}
		removed += n
	}
	return removed, nil
}

func (l *Limiter) scan(ctx context.Context, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := l.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (l *Limiter) key(alg Algorithm, prefix, identity string) string {
	return strings.Join([]string{l.namespace, "rl", string(alg), prefix, identity}, ":")
}

func (l *Limiter) blockKey(prefix, identity string) string {
	return strings.Join([]string{l.namespace, "rl", "block", prefix, identity}, ":")
}

func (l *Limiter) violationsKey() string {
	return l.namespace + ":rl:violations"
}
