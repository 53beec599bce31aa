package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// APIError represents an error returned by a generation provider API.
type APIError struct {
	// Provider is the name of the provider (e.g., "gemini", "anthropic").
	Provider string
	// StatusCode is the HTTP status code returned by the API.
	StatusCode int
	// Message is the error message from the API.
	Message string
	// Type is the error type classification from the API.
	Type string
	// RetryAfter is the server-provided wait before the next attempt, if any.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsTransient returns true if the error may succeed on retry. This includes
// server errors (5xx), request timeouts and network errors (StatusCode 0
// indicates no HTTP response was received).
func (e *APIError) IsTransient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// IsRateLimited returns true if the provider asked the caller to slow down.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || messageIndicatesRateLimit(e.Message) ||
		strings.EqualFold(e.Type, "RESOURCE_EXHAUSTED") || e.Type == "rate_limit_error"
}

// errEmptyResponse is returned when a provider answers with no text.
var errEmptyResponse = errors.New("provider returned empty content")

// rateLimitMarkers are message fragments providers use for quota rejections
// when no structured status is available.
var rateLimitMarkers = []string{
	"429",
	"quota exceeded",
	"resource_exhausted",
	"rate limit",
	"too many requests",
}

// retryHintPattern extracts hints such as "Please retry in 17.5s".
var retryHintPattern = regexp.MustCompile(`(?i)retry in ([\d.]+)\s*s`)

func messageIndicatesRateLimit(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// retryHintFromMessage returns the wait embedded in msg, or zero.
func retryHintFromMessage(msg string) time.Duration {
	m := retryHintPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// parseRetryAfter reads Retry-After (seconds or HTTP date) and the
// millisecond variant some providers send.
func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if ms := h.Get("Retry-After-Ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}

	retryAfter := h.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(retryAfter, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
		return 0
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}
	return 0
}

// classify maps a provider error onto the adapter taxonomy: a
// *domain.RateLimitedError, a *domain.TransientError, or the error itself
// when it is fatal.
//
// Classification priority:
//  1. Errors already carrying a domain kind are returned unchanged.
//  2. Cancellation of the caller's context is fatal.
//  3. Structured *APIError uses its status code and message.
//  4. Network errors and per-attempt deadlines are transient.
//  5. Message matching for rate-limit markers.
//  6. Default: transient (safer to retry than to fail).
func classify(provider string, err error) error {
	var rl *domain.RateLimitedError
	var te *domain.TransientError
	var fe *domain.FatalError
	if errors.As(err, &rl) || errors.As(err, &te) || errors.As(err, &fe) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsRateLimited():
			retryAfter := apiErr.RetryAfter
			if retryAfter == 0 {
				retryAfter = retryHintFromMessage(apiErr.Message)
			}
			return domain.NewRateLimitedError(provider, retryAfter, err)
		case apiErr.IsTransient():
			return domain.NewTransientError(provider, err)
		default:
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errEmptyResponse) {
		return domain.NewTransientError(provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.NewTransientError(provider, err)
	}

	if messageIndicatesRateLimit(err.Error()) {
		return domain.NewRateLimitedError(provider, retryHintFromMessage(err.Error()), err)
	}

	return domain.NewTransientError(provider, err)
}
