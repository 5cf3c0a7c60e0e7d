// Package httpretry sends outbound requests and retries the ones a server
// answers with 429 or 503, honoring Retry-After.
package httpretry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/deltasync/internal/backoff"
)

var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// MaxRetriesError reports the last status seen once the attempt budget is spent.
type MaxRetriesError struct {
	Method     string
	URL        string
	StatusCode int
	Attempts   int
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("max retries exceeded for %s %s after %d attempts; last status=%d", e.Method, e.URL, e.Attempts, e.StatusCode)
}

func (e *MaxRetriesError) Is(target error) bool { return target == ErrMaxRetriesExceeded }

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	HTTPClient Doer
	Policy     backoff.Policy
	Calculator *backoff.Calculator
	Sleep      SleepFunc
	Logger     *zap.Logger
}

type Client struct {
	doer   Doer
	policy backoff.Policy
	calc   *backoff.Calculator
	sleep  SleepFunc
	log    *zap.Logger
}

func New(opts Options) *Client {
	doer := opts.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	policy := opts.Policy
	if policy == (backoff.Policy{}) {
		policy = backoff.HTTPPolicy
	}
	calc := opts.Calculator
	if calc == nil {
		calc = backoff.New()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		doer:   doer,
		policy: policy,
		calc:   calc,
		sleep:  sleep,
		log:    logger,
	}
}

// Retriable reports whether status is one this client retries.
func Retriable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// Do sends req, retrying up to Policy.MaxAttempts times while the status stays
// retriable. Any other status, success or not, is returned as is. Transport
// errors are not retried here.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, errors.New("httpretry: request body cannot be replayed; set GetBody")
	}
	req = req.WithContext(ctx)
	for attempt := 1; ; attempt++ {
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, errors.Wrap(err, "rewind request body")
			}
			req.Body = body
		}
		resp, err := c.doer.Do(req)
		if err != nil {
			return nil, err
		}
		if !Retriable(resp.StatusCode) {
			return resp, nil
		}
		drain(resp)
		if attempt > c.policy.MaxAttempts {
			return nil, &MaxRetriesError{
				Method:     req.Method,
				URL:        req.URL.String(),
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
			}
		}
		wait := c.calc.Wait(attempt, c.policy, resp.Header.Get("Retry-After"))
		c.log.Debug("retrying request",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Get is a convenience wrapper around Do.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return c.Do(ctx, req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
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
