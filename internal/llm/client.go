package llm

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/observability"
)

// Default retry policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 2 * time.Second
	DefaultMaxDelay       = 60 * time.Second
	DefaultRateLimitDelay = 5 * time.Second
	DefaultJitter         = 0.2
)

// RetryPolicy bounds the retries of one logical generation call.
type RetryPolicy struct {
	// MaxAttempts is the total number of provider calls, including the first.
	MaxAttempts int
	// BaseDelay is the first transient backoff; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps any computed backoff.
	MaxDelay time.Duration
	// RateLimitDelay is the base wait after a rate limit with no server hint.
	RateLimitDelay time.Duration
	// Jitter is the fraction (0-1) of random spread applied to transient backoff.
	Jitter float64
}

// DefaultRetryPolicy returns the standard three-attempt policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		RateLimitDelay: DefaultRateLimitDelay,
		Jitter:         DefaultJitter,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.RateLimitDelay <= 0 {
		p.RateLimitDelay = d.RateLimitDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// backoffForAttempt computes the transient backoff for the given attempt
// (0-indexed) before jitter.
func (p RetryPolicy) backoffForAttempt(attempt int) time.Duration {
	backoff := p.BaseDelay
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return backoff
}

// rateLimitWait returns the server hint when present, otherwise the
// exponential default.
func (p RetryPolicy) rateLimitWait(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	wait := p.RateLimitDelay
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return wait
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Retry is the retry policy; zero fields take defaults.
	Retry RetryPolicy
	// AttemptTimeout bounds a single provider call; zero means no extra bound.
	AttemptTimeout time.Duration
	// Limiter paces calls across the process; nil disables pacing.
	Limiter *RateLimiter
	// Metrics records attempts and retries; nil records nothing.
	Metrics *observability.Metrics
}

// Client is the generation client adapter. It wraps a Provider with rate
// pacing, error classification and bounded retry. On exhaustion it returns a
// *domain.FatalError wrapping the last classified error; it never returns
// empty content as success.
type Client struct {
	provider       Provider
	policy         RetryPolicy
	attemptTimeout time.Duration
	limiter        *RateLimiter
	metrics        *observability.Metrics
	logger         zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewClient creates a Client around provider.
func NewClient(provider Provider, opts ClientOptions, logger zerolog.Logger) *Client {
	return &Client{
		provider:       provider,
		policy:         opts.Retry.withDefaults(),
		attemptTimeout: opts.AttemptTimeout,
		limiter:        opts.Limiter,
		metrics:        opts.Metrics,
		logger: logger.With().Str("component", "llm_client").Logger(),
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
}

// Generate invokes the provider with retry.
//
// Rate-limited attempts wait for the server-provided retry-after, or
// RateLimitDelay*2^attempt without one. Transient attempts wait
// BaseDelay*2^attempt, capped at MaxDelay, with jitter. Any other error is
// fatal and returned immediately.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	op := "generate"
	if req.Stage != "" {
		op += " " + req.Stage
	}
	name := c.provider.Name()

	ctx, span := observability.StartSpan(ctx, "llm.generate",
		attribute.String("llm.provider", name),
		attribute.String("llm.stage", req.Stage),
	)
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()
	logger := observability.LoggerFromContext(ctx, observability.WithGenerationContext(c.logger, name, req.Stage))

	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			spanErr = domain.NewFatalError(op, attempt, err)
			return nil, spanErr
		}

		start := time.Now()
		resp, err := c.attempt(ctx, req)
		elapsed := time.Since(start).Seconds()

		if err == nil {
			c.metrics.RecordGenerationAttempt(name, req.Stage, "success", elapsed)
			c.metrics.RecordGenerationTokens(name, resp.InputTokens, resp.OutputTokens)
			resp.Attempts = attempt + 1
			span.SetAttributes(attribute.Int("llm.attempts", resp.Attempts))
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.RecordGenerationAttempt(name, req.Stage, "canceled", elapsed)
			spanErr = domain.NewFatalError(op, attempt+1, ctxErr)
			return nil, spanErr
		}

		classified := classify(name, err)
		lastErr = classified

		var delay time.Duration
		var reason string
		var rl *domain.RateLimitedError
		var te *domain.TransientError
		switch {
		case errors.As(classified, &rl):
			reason = "rate_limited"
			delay = c.policy.rateLimitWait(attempt, rl.RetryAfter)
		case errors.As(classified, &te):
			reason = "transient"
			if errors.Is(classified, errEmptyResponse) {
				reason = "empty"
			}
			delay = c.withJitter(c.policy.backoffForAttempt(attempt))
		default:
			c.metrics.RecordGenerationAttempt(name, req.Stage, "fatal", elapsed)
			logger.Error().Err(classified).
				Int("attempt", attempt+1).
				Msg("generation failed with non-retryable error")
			spanErr = domain.NewFatalError(op, attempt+1, classified)
			return nil, spanErr
		}
		c.metrics.RecordGenerationAttempt(name, req.Stage, reason, elapsed)

		if attempt+1 >= c.policy.MaxAttempts {
			break
		}

		c.metrics.RecordGenerationRetry(name, reason)
		logger.Warn().Err(classified).
			Int("attempt", attempt+1).
			Int("max_attempts", c.policy.MaxAttempts).
			Dur("backoff", delay).
			Msg("retrying generation after backoff")

		if err := c.sleep(ctx, delay); err != nil {
			spanErr = domain.NewFatalError(op, attempt+1, err)
			return nil, spanErr
		}
	}

	logger.Error().Err(lastErr).
		Int("attempts", c.policy.MaxAttempts).
		Msg("generation retries exhausted")
	spanErr = domain.NewFatalError(op, c.policy.MaxAttempts, lastErr)
	return nil, spanErr
}

// attempt performs one bounded provider call and rejects empty content.
func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	resp, err := c.provider.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, errEmptyResponse
	}
	return resp, nil
}

func (c *Client) withJitter(d time.Duration) time.Duration {
	if c.policy.Jitter == 0 || d <= 0 {
		return d
	}
	spread := float64(d) * c.policy.Jitter
	return time.Duration(float64(d) - spread + 2*spread*c.jitter())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
