package polaris

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a ModelProvider and retries transient failures
// (HTTP 429 and 503, or ErrProvider marked retryable) with exponential
// backoff and jitter.
type retryProvider struct {
	inner       ModelProvider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets a structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient failures. When the
// error carries a Retry-After duration, the delay is at least that long.
// Non-retryable errors (auth, schema) propagate immediately.
func WithRetry(p ModelProvider, opts ...RetryOption) ModelProvider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("transient provider error, retrying",
			"provider", r.inner.Name(), "attempt", i+1, "max", r.maxAttempts, "error", err)
		if i < r.maxAttempts-1 {
			if err := sleepRetry(ctx, retryDelay(r.baseDelay, i, last)); err != nil {
				return CompletionResponse{}, err
			}
		}
	}
	return CompletionResponse{}, last
}

// Stream retries only while no events have been emitted yet; once
// streaming starts, errors pass through to avoid duplicate content.
// ch is always closed before returning.
func (r *retryProvider) Stream(ctx context.Context, req CompletionRequest, ch chan<- StreamEvent) (CompletionResponse, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan StreamEvent, 64)
		var (
			resp      CompletionResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.Stream(ctx, req, mid)
		}()

		var sent bool
		for ev := range mid {
			sent = true
			ch <- ev
		}
		<-done

		if streamErr == nil || !isTransient(streamErr) || sent {
			close(ch)
			return resp, streamErr
		}
		last = streamErr
		r.logger.Warn("transient provider error before first event, retrying",
			"provider", r.inner.Name(), "attempt", i+1, "max", r.maxAttempts, "error", streamErr)
		if i < r.maxAttempts-1 {
			if err := sleepRetry(ctx, retryDelay(r.baseDelay, i, last)); err != nil {
				close(ch)
				return CompletionResponse{}, err
			}
		}
	}
	close(ch)
	return CompletionResponse{}, last
}

func sleepRetry(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransient reports whether err is retryable: HTTP 429/503 or a
// provider error flagged retryable.
func isTransient(err error) bool {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status == 503
	}
	var pe *ErrProvider
	return errors.As(err, &pe) && pe.Retryable
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i: exponential
// backoff with up to 50% jitter, floored at the server's Retry-After.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	backoff := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// compile-time check
var _ ModelProvider = (*retryProvider)(nil)
