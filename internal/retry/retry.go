// Package retry wraps outbound calls with transient-error classification
// and bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusCoder is implemented by errors carrying an upstream HTTP status.
// The status decides retryability before any message sniffing.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterHinter is implemented by errors carrying an upstream
// Retry-After hint. A present hint overrides the computed backoff.
type RetryAfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// Config bounds the retry loop.
type Config struct {
	// MaxAttempts counts the first try. Values below one mean one attempt.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: base, 2x base, 4x base.
	BaseDelay time.Duration
	// MaxDelay clamps every wait, including Retry-After hints.
	MaxDelay time.Duration
}

// DefaultConfig matches the delivery paths: three attempts, one second
// base, waits never longer than a minute.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Transport failures that do not surface as typed errors are matched on
// message text, lowercased.
var transientSignatures = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
}

// Transient reports whether err is worth retrying: an upstream 429 or 5xx,
// a network timeout, or a message matching a known transport failure.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return transientStatus[sc.HTTPStatus()]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Do runs op until it succeeds, fails permanently, or exhausts
// cfg.MaxAttempts. Permanent errors and the final transient error are
// returned to the caller unchanged so upstream classification still works.
func Do[T any](ctx context.Context, cfg Config, desc string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !Transient(err) || attempt >= cfg.MaxAttempts-1 {
			return zero, err
		}

		wait := cfg.BaseDelay * time.Duration(1<<uint(attempt))
		var hinter RetryAfterHinter
		if errors.As(err, &hinter) {
			if d, ok := hinter.RetryAfterHint(); ok {
				wait = d
			}
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		slog.Debug("transient failure, retrying",
			"op", desc, "attempt", attempt+1, "max_attempts", cfg.MaxAttempts,
			"wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// ParseRetryAfter interprets a Retry-After header value as either
// delta-seconds or an HTTP date.
func ParseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
