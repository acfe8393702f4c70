package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// RequestFunc builds a fresh request for an attempt. The policy calls it once
// per try so retried attempts pick up refreshed credentials and new bodies.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// StatusError reports an upstream response that exhausted the retry budget.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("upstream status %s", e.Status)
}

// Policy wraps carrier HTTP calls with retry, backoff and circuit-breaker
// handling.
//
// Retryable: HTTP 429 (honouring Retry-After), HTTP 5xx, and transport-level
// failures. Other 4xx responses are returned to the caller unchanged. A 401
// triggers OnUnauthorized once and an immediate retry with rebuilt
// credentials; a second 401 falls through to the plain 4xx path.
type Policy struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxRetries  int
	Jitter      float64
	Timeout     time.Duration
	// OnUnauthorized invalidates cached credentials for the target carrier.
	// Nil disables the forced-refresh retry.
	OnUnauthorized func(context.Context) error
}

// Do executes the request with the policy's retry semantics. The returned
// response may carry any non-retryable status; callers map those to domain
// results. The response body is the caller's to close.
func (p Policy) Do(ctx context.Context, target string, build RequestFunc) (*http.Response, error) {
	if p.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseBackoff := p.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	var lastErr error
	refreshed := false
	attempts := 1 + maxRetries

	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Breaker != nil && !p.Breaker.Allow(ctx) {
			return nil, ErrOpenCircuit
		}

		resp, err := p.doOnce(ctx, build)
		switch {
		case err != nil:
			// Transport failure: timeout, connection refused, DNS.
			p.report(ctx, false)
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			RetryTotal.WithLabelValues(target, "transport").Inc()

		case resp.StatusCode == http.StatusUnauthorized && p.OnUnauthorized != nil && !refreshed:
			refreshed = true
			drainAndClose(resp)
			p.report(ctx, false)
			if err := p.OnUnauthorized(ctx); err != nil {
				return nil, err
			}
			// The forced-refresh retry does not consume the retry budget.
			attempt--
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			p.report(ctx, false)
			lastErr = statusError(resp)
			retryAfter := parseRetryAfter(resp, maxBackoff)
			drainAndClose(resp)
			if attempt == attempts {
				break
			}
			RetryTotal.WithLabelValues(target, "rate_limited").Inc()
			if retryAfter <= 0 {
				retryAfter = Backoff(baseBackoff, attempt, p.Jitter, maxBackoff)
			}
			if err := sleep(ctx, retryAfter); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 500:
			p.report(ctx, false)
			lastErr = statusError(resp)
			drainAndClose(resp)
			RetryTotal.WithLabelValues(target, "server_error").Inc()

		default:
			// 2xx and permanent 4xx both end the loop; the caller decides
			// what a 404 or failed second 401 means for its domain.
			p.report(ctx, resp.StatusCode < 400)
			return resp, nil
		}

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, Backoff(baseBackoff, attempt, p.Jitter, maxBackoff)); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

func (p Policy) doOnce(ctx context.Context, build RequestFunc) (*http.Response, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if p.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	req, err := build(callCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// Tie the cancel to body consumption so the caller can stream it.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (p Policy) report(ctx context.Context, success bool) {
	if p.Breaker != nil {
		p.Breaker.Report(ctx, success)
	}
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	return err
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// parseRetryAfter returns the server-requested delay, capped at max, or zero
// when the header is absent or unusable so the caller falls back to the
// exponential schedule.
func parseRetryAfter(resp *http.Response, max time.Duration) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	d := time.Duration(seconds) * time.Second
	if d > max {
		return max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
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
