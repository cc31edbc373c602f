package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mfenderov/gigsync/internal/config"
	"github.com/mfenderov/gigsync/internal/ratelimit"
)

func testConfig(baseURL string) config.Provider {
	return config.Provider{
		Name:              "test",
		BaseURL:           baseURL,
		APIKey:            "key-123",
		RequestsPerSecond: 1000,
		MaxConcurrency:    4,
		Timeout:           2 * time.Second,
		UserAgent:         "gigsync-test",
		MaxRetries:        3,
		RetryDelay:        time.Millisecond,
	}
}

func newTestQueue(t *testing.T, cfg config.Provider, deps Deps) *Queue {
	t.Helper()
	q, err := NewQueue(cfg, deps)
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestNewQueue_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Provider
		wantErr bool
	}{
		{"missing name", config.Provider{BaseURL: "http://x"}, true},
		{"missing base url", config.Provider{Name: "x"}, true},
		{"defaults filled", config.Provider{Name: "x", BaseURL: "http://x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewQueue(tt.cfg, Deps{})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewQueue() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetJSON_Headers(t *testing.T) {
	var gotKey, gotUA, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotUA = r.Header.Get("User-Agent")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"page":1}`))
	}))
	defer srv.Close()

	q := newTestQueue(t, testConfig(srv.URL), Deps{})
	var dest struct {
		Page int `json:"page"`
	}
	raw, err := q.GetJSON(context.Background(), "/search", map[string][]string{"p": {"1"}}, &dest)
	if err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if dest.Page != 1 || string(raw) != `{"page":1}` {
		t.Errorf("unexpected result: %+v %s", dest, raw)
	}
	if gotKey != "key-123" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotUA != "gigsync-test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotQuery != "p=1" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestGetJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	q := newTestQueue(t, testConfig(srv.URL), Deps{})
	if _, err := q.GetJSON(context.Background(), "/", nil, &struct{}{}); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGetJSON_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	q := newTestQueue(t, testConfig(srv.URL), Deps{})
	_, err := q.GetJSON(context.Background(), "/", nil, &struct{}{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Fatalf("error = %v, want APIError 503", err)
	}
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 1 + 3 retries", calls.Load())
	}
}

func TestGetJSON_NoRetry(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"unauthorized", http.StatusUnauthorized},
		{"forbidden", http.StatusForbidden},
		{"not found", http.StatusNotFound},
		{"bad request", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"code":` + http.StatusText(tt.status) + `}`))
			}))
			defer srv.Close()

			q := newTestQueue(t, testConfig(srv.URL), Deps{})
			_, err := q.GetJSON(context.Background(), "/", nil, &struct{}{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Fatalf("error = %v, want APIError %d", err, tt.status)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestGetJSON_MalformedJSON(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	q := newTestQueue(t, cfg, Deps{})
	_, err := q.GetJSON(context.Background(), "/", nil, &struct{}{})
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("error = %v, want DecodeError", err)
	}
	if decErr.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", decErr.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGetJSON_MaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxConcurrency = 2
	q := newTestQueue(t, cfg, Deps{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.GetJSON(context.Background(), "/", nil, nil)
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak.Load())
	}
}

func TestQueue_Close(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	q, err := NewQueue(testConfig(srv.URL), Deps{})
	if err != nil {
		t.Fatalf("NewQueue() error = %v", err)
	}
	q.Close()

	if _, err := q.GetJSON(context.Background(), "/", nil, nil); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("error = %v, want ErrQueueClosed", err)
	}
}

type fakeGate struct {
	mu      sync.Mutex
	checks  int
	denials int
}

func (g *fakeGate) BlockedFor(ctx context.Context, prefix, identity string) (time.Duration, bool) {
	return 0, false
}

func (g *fakeGate) Check(ctx context.Context, identity string, rule ratelimit.Rule) (ratelimit.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if g.checks <= g.denials {
		return ratelimit.Result{Allowed: false, RetryAfter: 5 * time.Millisecond}, nil
	}
	return ratelimit.Result{Allowed: true}, nil
}

func TestGetJSON_WaitsForSharedLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	gate := &fakeGate{denials: 2}
	cfg := testConfig(srv.URL)
	cfg.RateLimit = config.RateLimit{Algorithm: "token_bucket", Limit: 1, Window: time.Second}
	q := newTestQueue(t, cfg, Deps{Gate: gate})

	if _, err := q.GetJSON(context.Background(), "/", nil, nil); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if gate.checks != 3 {
		t.Errorf("gate checks = %d, want 3", gate.checks)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
