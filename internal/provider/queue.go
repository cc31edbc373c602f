package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mfenderov/gigsync/internal/classify"
	"github.com/mfenderov/gigsync/internal/config"
	"github.com/mfenderov/gigsync/internal/metrics"
	"github.com/mfenderov/gigsync/internal/ratelimit"
	"golang.org/x/time/rate"
)

// Gate is the shared limiter consulted before every outbound request.
type Gate interface {
	BlockedFor(ctx context.Context, prefix, identity string) (time.Duration, bool)
	Check(ctx context.Context, identity string, rule ratelimit.Rule) (ratelimit.Result, error)
}

// Deps are the collaborators shared by every connector.
type Deps struct {
	Gate    Gate
	Errors  *classify.Tracker
	Metrics *metrics.Metrics
	Client  *http.Client
}

// GatePrefix is the limiter key prefix shared by all provider queues.
const GatePrefix = "provider"

// Queue issues GET requests for one provider with local pacing, bounded
// concurrency, a shared rate limit and classified retries.
type Queue struct {
	cfg        config.Provider
	httpClient *http.Client
	limiter    *rate.Limiter
	slots      chan struct{}
	gate       Gate
	rule       ratelimit.Rule
	errs       *classify.Tracker
	metrics    *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue creates a Queue for cfg, filling in defaults for unset fields.
func NewQueue(cfg config.Provider, deps Deps) (*Queue, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", cfg.Name)
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "gigsync/1.0"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "x-api-key"
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	q := &Queue{
		cfg:        cfg,
		httpClient: deps.Client,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		slots:      make(chan struct{}, cfg.MaxConcurrency),
		errs:       deps.Errors,
		metrics:    deps.Metrics,
	}
	if q.httpClient == nil {
		q.httpClient = &http.Client{}
	}

	if deps.Gate != nil && cfg.RateLimit.Algorithm != "" {
		q.gate = deps.Gate
		q.rule = ratelimit.Rule{
			Algorithm:     ratelimit.Algorithm(cfg.RateLimit.Algorithm),
			KeyPrefix:     GatePrefix,
			Limit:         cfg.RateLimit.Limit,
			Window:        cfg.RateLimit.Window,
			BlockDuration: cfg.RateLimit.BlockDuration,
		}
	}
	return q, nil
}

// Name returns the provider name.
func (q *Queue) Name() string { return q.cfg.Name }

// Config returns the effective provider configuration.
func (q *Queue) Config() config.Provider { return q.cfg }

// GetJSON fetches path relative to the provider base URL and decodes the
// JSON body into dest. It returns the raw body on success so callers can
// archive it.
//
// Failures are classified; retryable ones are retried up to MaxRetries
// times, waiting RetryDelay*2^(attempt-1) or the provider's Retry-After.
// Non-2xx responses return *APIError and undecodable bodies *DecodeError.
func (q *Queue) GetJSON(ctx context.Context, path string, query url.Values, dest any) (json.RawMessage, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()
	defer q.wg.Done()

	fullURL := q.cfg.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	maxAttempts := q.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		body, err := q.do(ctx, fullURL, dest)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		pe := q.errs.Handle(err, classify.Context{
			Source:      q.cfg.Name,
			Operation:   "GET " + path,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
		})
		if !pe.IsRetryable || attempt >= maxAttempts {
			return nil, err
		}

		wait := q.cfg.RetryDelay << (attempt - 1)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}
		slog.Debug("retrying provider request",
			"source", q.cfg.Name, "path", path, "attempt", attempt, "wait", wait, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// do runs a single attempt.
func (q *Queue) do(ctx context.Context, fullURL string, dest any) (json.RawMessage, error) {
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-q.slots }()

	reqCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", q.cfg.UserAgent)
	if q.cfg.APIKey != "" {
		req.Header.Set(q.cfg.APIKeyHeader, q.cfg.APIKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		q.metrics.ProviderRequest(q.cfg.Name, "error")
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		q.metrics.ProviderRequest(q.cfg.Name, "error")
		return nil, err
	}
	q.metrics.ProviderRequest(q.cfg.Name, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(body)
		if len(bodyStr) > 512 {
			bodyStr = bodyStr[:512]
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       bodyStr,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return nil, &DecodeError{StatusCode: resp.StatusCode, Err: err}
		}
	}
	return body, nil
}

// acquire takes a concurrency slot, then waits for the local pacer and the
// shared limit.
func (q *Queue) acquire(ctx context.Context) error {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := q.limiter.Wait(ctx); err != nil {
		<-q.slots
		return err
	}
	if err := q.waitGate(ctx); err != nil {
		<-q.slots
		return err
	}
	return nil
}

func (q *Queue) waitGate(ctx context.Context) error {
	if q.gate == nil {
		return nil
	}
	for {
		if ttl, blocked := q.gate.BlockedFor(ctx, GatePrefix, q.cfg.Name); blocked {
			if ttl <= 0 {
				ttl = q.cfg.RetryDelay
			}
			slog.Debug("provider blocked by shared limiter", "source", q.cfg.Name, "wait", ttl)
			if err := sleep(ctx, ttl); err != nil {
				return err
			}
			continue
		}

		res, err := q.gate.Check(ctx, q.cfg.Name, q.rule)
		if err != nil {
			return fmt.Errorf("invalid rate limit for provider %s: %w", q.cfg.Name, err)
		}
		if res.Allowed {
			return nil
		}
		wait := res.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		slog.Debug("provider throttled by shared limiter", "source", q.cfg.Name, "wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Close stops accepting requests and waits for in-flight ones to finish.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
