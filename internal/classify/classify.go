// Package classify turns failures from fetching, resolving and writing into
// ProcessedErrors with a category, a severity and a retry decision.
package classify

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mfenderov/gigsync/pkg/models"
)

// Category groups failures by where they came from.
type Category string

const (
	Network        Category = "NETWORK"
	API            Category = "API"
	Parsing        Category = "PARSING"
	Validation     Category = "VALIDATION"
	RateLimit      Category = "RATE_LIMIT"
	Authentication Category = "AUTHENTICATION"
	Database       Category = "DATABASE"
	Unknown        Category = "UNKNOWN"
)

// Severity orders failures by how urgently an operator should look at them.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the severity by name in JSON and logs.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	baseDelay = time.Second
	maxDelay  = 30 * time.Second
)

// Context describes the operation that failed.
type Context struct {
	Source      string `json:"source,omitempty"`
	Operation   string `json:"operation,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// ProcessedError is a classified failure.
type ProcessedError struct {
	ID            string        `json:"id"`
	Category      Category      `json:"category"`
	Severity      Severity      `json:"severity"`
	IsRetryable   bool          `json:"is_retryable"`
	IsRateLimited bool          `json:"is_rate_limited"`
	RetryDelay    time.Duration `json:"retry_delay,omitempty"`
	Context       Context       `json:"context"`
	Message       string        `json:"message"`
	StatusCode    int           `json:"status_code,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryHinter is implemented by errors that carry a provider backoff hint.
type RetryHinter interface {
	RetryHint() time.Duration
}

var (
	authPattern       = regexp.MustCompile(`(?i)unauthori[sz]ed|forbidden|invalid[ _-]?(api[ _-]?)?key|authentication|access denied`)
	databasePattern   = regexp.MustCompile(`(?i)database|postgres|sqlstate|duplicate key|deadlock|connection pool|relation .* does not exist`)
	rateLimitPattern  = regexp.MustCompile(`(?i)rate[ _-]?limit|too many requests|quota exceeded|throttl`)
	networkPattern    = regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded|connection reset|connection refused|no such host|network is unreachable|broken pipe|econnreset|econnrefused|enotfound|etimedout`)
	parsingPattern    = regexp.MustCompile(`(?i)parse|parsing|unmarshal|decode|invalid character|unexpected end of json|syntax error|malformed`)
	validationPattern = regexp.MustCompile(`(?i)validation|required|invalid value|missing field|must be`)
	retryHintPattern  = regexp.MustCompile(`(?i)retry[ _-]?after[:=\s]+(\d+(?:\.\d+)?)\s*(ms|s|sec|seconds)?`)
)

// Classify categorizes err. It never returns nil.
func Classify(err error, ec Context) *ProcessedError {
	pe := &ProcessedError{
		ID:        uuid.NewString(),
		Context:   ec,
		Timestamp: time.Now(),
	}
	if err == nil {
		pe.Category, pe.Severity, pe.IsRetryable = Unknown, Medium, true
		pe.RetryDelay = Backoff(ec.Attempt)
		return pe
	}

	msg := err.Error()
	pe.Message = msg
	status := statusOf(err)
	pe.StatusCode = status

	var pgErr *pgconn.PgError
	var netErr net.Error
	var valErr *models.ValidationError

	switch {
	case status == 401 || status == 403 || authPattern.MatchString(msg):
		pe.Category, pe.Severity, pe.IsRetryable = Authentication, Critical, false
	case errors.As(err, &pgErr) || databasePattern.MatchString(msg):
		pe.Category, pe.Severity, pe.IsRetryable = Database, Critical, true
	case status == 429 || rateLimitPattern.MatchString(msg):
		pe.Category, pe.Severity, pe.IsRetryable = RateLimit, Medium, true
		pe.IsRateLimited = true
	case errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) || networkPattern.MatchString(msg):
		pe.Category, pe.Severity, pe.IsRetryable = Network, Medium, true
	case status >= 500:
		pe.Category, pe.Severity, pe.IsRetryable = API, High, true
	case status >= 400:
		pe.Category, pe.Severity, pe.IsRetryable = API, Medium, false
	case errors.As(err, &valErr):
		pe.Category, pe.Severity, pe.IsRetryable = Validation, Low, false
	case parsingPattern.MatchString(msg):
		pe.Category, pe.Severity, pe.IsRetryable = Parsing, Low, true
	case validationPattern.MatchString(msg):
		pe.Category, pe.Severity, pe.IsRetryable = Validation, Low, false
	default:
		pe.Category, pe.Severity, pe.IsRetryable = Unknown, Medium, true
	}

	// Escalation only raises severity; CRITICAL stays CRITICAL.
	if ec.MaxAttempts > 0 && ec.Attempt >= ec.MaxAttempts && pe.Severity < High {
		pe.Severity = High
	}

	if pe.IsRetryable {
		pe.RetryDelay = Backoff(ec.Attempt)
		if hint, ok := retryHint(err, msg); ok {
			pe.RetryDelay = hint
		}
	}
	return pe
}

// Backoff returns the default exponential delay for attempt (1-based):
// one second doubled per attempt, capped at 30 seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return maxDelay
	}
	d := baseDelay << (attempt - 1)
	return min(d, maxDelay)
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

func retryHint(err error, msg string) (time.Duration, bool) {
	var rh RetryHinter
	if errors.As(err, &rh) {
		if d := rh.RetryHint(); d > 0 {
			return d, true
		}
	}
	m := retryHintPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(v * float64(time.Millisecond)), true
	}
	return time.Duration(v * float64(time.Second)), true
}
