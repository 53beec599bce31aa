package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// scriptedProvider returns the scripted results in order, then repeats the last.
type scriptedProvider struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
	reqs    []Request
}

type scriptedResult struct {
	resp *Response
	err  error
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) Generate(_ context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	p.calls++
	p.reqs = append(p.reqs, req)
	r := p.results[idx]
	return r.resp, r.err
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// newTestClient returns a client that records sleeps instead of waiting.
func newTestClient(p Provider, policy RetryPolicy) (*Client, *[]time.Duration) {
	c := NewClient(p, ClientOptions{Retry: policy}, zerolog.Nop())
	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	c.jitter = func() float64 { return 0.5 }
	return c, &sleeps
}

func ok(text string) scriptedResult {
	return scriptedResult{resp: &Response{Text: text, Model: "scripted-1", InputTokens: 10, OutputTokens: 20}}
}

func fail(err error) scriptedResult {
	return scriptedResult{err: err}
}

func TestClient_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []scriptedResult{ok("Chapter 1: Dawn")}}
	c, sleeps := newTestClient(p, DefaultRetryPolicy())

	resp, err := c.Generate(context.Background(), Request{Prompt: "outline", Stage: "outline"})
	require.NoError(t, err)
	assert.Equal(t, "Chapter 1: Dawn", resp.Text)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 1, p.Calls())
	assert.Empty(t, *sleeps)
	assert.Equal(t, "outline", p.reqs[0].Stage)
}

func TestClient_TwoTransientFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []scriptedResult{
		fail(&APIError{Provider: "scripted", StatusCode: 503, Message: "unavailable"}),
		fail(&APIError{Provider: "scripted", StatusCode: 500, Message: "internal"}),
		ok("content"),
	}}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, RateLimitDelay: 5 * time.Second, Jitter: 0.2}
	c, sleeps := newTestClient(p, policy)

	resp, err := c.Generate(context.Background(), Request{Prompt: "p", Stage: "chapter"})
	require.NoError(t, err)
	assert.Equal(t, "content", resp.Text)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, 3, p.Calls())

	// jitter() == 0.5 lands exactly on the unjittered backoff.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestClient_ExhaustsAfterThreeAttempts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		wantIs error
		sleeps []time.Duration
	}{
		{
			name:   "transient",
			err:    &APIError{StatusCode: 502},
			wantIs: domain.ErrTransient,
			sleeps: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:   "rate limited without hint",
			err:    &APIError{StatusCode: 429, Message: "quota exceeded"},
			wantIs: domain.ErrRateLimited,
			sleeps: []time.Duration{5 * time.Second, 10 * time.Second},
		},
		{
			name:   "rate limited with hint",
			err:    &APIError{StatusCode: 429, RetryAfter: 30 * time.Second},
			wantIs: domain.ErrRateLimited,
			sleeps: []time.Duration{30 * time.Second, 30 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := &scriptedProvider{results: []scriptedResult{fail(tt.err)}}
			policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, RateLimitDelay: 5 * time.Second}
			c, sleeps := newTestClient(p, policy)

			resp, err := c.Generate(context.Background(), Request{Stage: "outline"})
			assert.Nil(t, resp)
			require.Error(t, err)

			var fe *domain.FatalError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, 3, fe.Attempts)
			assert.Equal(t, "generate outline", fe.Op)
			assert.ErrorIs(t, err, tt.wantIs)
			assert.Equal(t, 3, p.Calls(), "no attempts after the cap")
			assert.Equal(t, tt.sleeps, *sleeps)
		})
	}
}

func TestClient_FatalErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	cause := &APIError{StatusCode: 401, Message: "invalid api key"}
	p := &scriptedProvider{results: []scriptedResult{fail(cause)}}
	c, sleeps := newTestClient(p, DefaultRetryPolicy())

	_, err := c.Generate(context.Background(), Request{Stage: "chapter"})
	require.Error(t, err)

	var fe *domain.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, p.Calls())
	assert.Empty(t, *sleeps)
}

func TestClient_EmptyContentIsRetried(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []scriptedResult{
		ok("   \n"),
		{resp: nil},
		ok("finally"),
	}}
	c, _ := newTestClient(p, DefaultRetryPolicy())

	resp, err := c.Generate(context.Background(), Request{Stage: "summary"})
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Text)
	assert.Equal(t, 3, p.Calls())
}

func TestClient_EmptyContentNeverSucceeds(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []scriptedResult{ok("")}}
	c, _ := newTestClient(p, DefaultRetryPolicy())

	resp, err := c.Generate(context.Background(), Request{Stage: "summary"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, domain.ErrFatal)
	assert.ErrorIs(t, err, errEmptyResponse)
}

func TestClient_CanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []scriptedResult{fail(&APIError{StatusCode: 500})}}
	c := NewClient(p, ClientOptions{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := c.Generate(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatal)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.Calls())
}

func TestClient_AttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	slow := &blockingProvider{}
	c := NewClient(slow, ClientOptions{
		Retry:          RetryPolicy{MaxAttempts: 2},
		AttemptTimeout: 10 * time.Millisecond,
	}, zerolog.Nop())
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Generate(context.Background(), Request{Stage: "chapter"})
	require.Error(t, err)

	var fe *domain.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Attempts)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, 2, slow.calls)
}

type blockingProvider struct{ calls int }

func (p *blockingProvider) Name() string  { return "blocking" }
func (p *blockingProvider) Model() string { return "blocking-1" }

func (p *blockingProvider) Generate(ctx context.Context, _ Request) (*Response, error) {
	p.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClient_LimiterCanceled(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{results: []scriptedResult{ok("x")}}
	limiter := NewRateLimiter(0.001, 1)
	c := NewClient(p, ClientOptions{Limiter: limiter}, zerolog.Nop())

	// Drain the single token.
	_, err := c.Generate(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatal)
	assert.Equal(t, 1, p.Calls())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, RateLimitDelay: 2 * time.Second}
	assert.Equal(t, time.Second, p.backoffForAttempt(0))
	assert.Equal(t, 2*time.Second, p.backoffForAttempt(1))
	assert.Equal(t, 4*time.Second, p.backoffForAttempt(2))
	assert.Equal(t, 5*time.Second, p.backoffForAttempt(3))

	assert.Equal(t, 2*time.Second, p.rateLimitWait(0, 0))
	assert.Equal(t, 4*time.Second, p.rateLimitWait(1, 0))
	assert.Equal(t, 5*time.Second, p.rateLimitWait(2, 0))
	assert.Equal(t, 42*time.Second, p.rateLimitWait(2, 42*time.Second))
}

func TestRetryPolicy_WithDefaults(t *testing.T) {
	t.Parallel()

	got := RetryPolicy{Jitter: 2}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy(), got)

	custom := RetryPolicy{MaxAttempts: 5, Jitter: 0}.withDefaults()
	assert.Equal(t, 5, custom.MaxAttempts)
	assert.Zero(t, custom.Jitter)
}

func TestClient_JitterSpread(t *testing.T) {
	t.Parallel()

	c := NewClient(&scriptedProvider{results: []scriptedResult{ok("x")}}, ClientOptions{
		Retry: RetryPolicy{Jitter: 0.2},
	}, zerolog.Nop())

	c.jitter = func() float64 { return 0 }
	assert.Equal(t, 800*time.Millisecond, c.withJitter(time.Second))
	c.jitter = func() float64 { return 1 }
	assert.Equal(t, 1200*time.Millisecond, c.withJitter(time.Second))
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepContext(context.Background(), 0))
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepContext(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}
