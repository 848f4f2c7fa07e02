// Package fetch performs HTTP GETs against flaky public APIs, retrying
// transport errors and bad statuses with exponential backoff and honouring
// Retry-After on HTTP 429.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"coinpulse/internal/logger"
	"coinpulse/internal/trace"
)

const maxBodyBytes = 16 << 20

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts bounds generic failures. Default 3.
	MaxAttempts int
	// BaseBackoff is multiplied by 2^attempt after a generic failure. Default 1s.
	BaseBackoff time.Duration
	// DefaultRetryAfter applies to a 429 without a usable Retry-After. Default 60s.
	DefaultRetryAfter time.Duration
	// CountRateLimits makes every 429 consume one attempt. When false a
	// 429 wait is free, bounded only by MaxRateLimitWaits.
	CountRateLimits bool
	// MaxRateLimitWaits bounds free 429 waits per call. Default 5.
	MaxRateLimitWaits int
	// Timeout bounds each individual attempt. Default 15s.
	Timeout time.Duration
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseBackoff:       time.Second,
		DefaultRetryAfter: 60 * time.Second,
		MaxRateLimitWaits: 5,
		Timeout:           15 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = d.DefaultRetryAfter
	}
	if c.MaxRateLimitWaits <= 0 {
		c.MaxRateLimitWaits = d.MaxRateLimitWaits
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// Request is a GET to issue.
type Request struct {
	URL    string
	Header http.Header
}

// Response is a successful (2xx) reply with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues requests with retry.
type Client struct {
	cfg   Config
	http  Doer
	sleep func(ctx context.Context, d time.Duration) error

	// OnRetry observes every wait before a retry; reason is a Kind string.
	OnRetry func(reason string, delay time.Duration)
	// OnAttempt observes the outcome of each attempt ("ok" or a Kind string).
	OnAttempt func(outcome string, elapsed time.Duration)
}

// New creates a Client. A nil doer uses http.DefaultClient.
func New(cfg Config, doer Doer) *Client {
	cfg.applyDefaults()
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{cfg: cfg, http: doer, sleep: Sleep}
}

// WithSleeper replaces the wait function, for tests.
func (c *Client) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Client {
	c.sleep = sleep
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get issues a GET to url.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, Request{URL: url})
}

// Do issues req until it succeeds, the attempt budget runs out, or ctx ends.
//
// A generic failure consumes one attempt and, if another remains, waits
// BaseBackoff*2^attempt. A 429 waits Retry-After (DefaultRetryAfter when
// absent) and is counted according to CountRateLimits.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := trace.StartSpan(ctx, "fetch.Do")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", req.URL))

	attempt, waits := 0, 0
	var last *Error
	for attempt < c.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
		}

		resp, ferr := c.once(ctx, req)
		if ferr == nil {
			span.SetAttributes(attribute.Int("fetch.attempts", attempt+1))
			return resp, nil
		}
		last = ferr

		var delay time.Duration
		if ferr.Kind == KindRateLimited {
			delay = ferr.RetryAfter
			if c.cfg.CountRateLimits {
				attempt++
				if attempt >= c.cfg.MaxAttempts {
					break
				}
			} else {
				if waits >= c.cfg.MaxRateLimitWaits {
					break
				}
				waits++
			}
			slog.Warn("[fetch] rate limited, waiting",
				append(logger.LogWithTrace(ctx), "url", req.URL, "retry_after", delay)...)
		} else {
			attempt++
			if attempt >= c.cfg.MaxAttempts {
				break
			}
			delay = c.cfg.BaseBackoff << (attempt - 1)
			slog.Warn("[fetch] attempt failed, backing off",
				append(logger.LogWithTrace(ctx), "url", req.URL, "attempt", attempt, "error", ferr, "delay", delay)...)
		}

		if c.OnRetry != nil {
			c.OnRetry(ferr.Kind.String(), delay)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
	}

	span.SetStatus(codes.Error, last.Error())
	slog.Error("[fetch] giving up",
		append(logger.LogWithTrace(ctx), "url", req.URL, "error", last)...)
	return nil, fmt.Errorf("%w: %w", ErrExhausted, last)
}

func (c *Client) once(ctx context.Context, req Request) (*Response, *Error) {
	start := time.Now()
	resp, ferr := c.roundTrip(ctx, req)
	if c.OnAttempt != nil {
		outcome := "ok"
		if ferr != nil {
			outcome = ferr.Kind.String()
		}
		c.OnAttempt(outcome, time.Since(start))
	}
	return resp, ferr
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Response, *Error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(actx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	defer hresp.Body.Close()

	switch {
	case hresp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, io.LimitReader(hresp.Body, maxBodyBytes))
		return nil, &Error{
			Kind:       KindRateLimited,
			URL:        req.URL,
			StatusCode: hresp.StatusCode,
			RetryAfter: retryAfter(hresp.Header.Get("Retry-After"), time.Now(), c.cfg.DefaultRetryAfter),
		}
	case hresp.StatusCode < 200 || hresp.StatusCode > 299:
		io.Copy(io.Discard, io.LimitReader(hresp.Body, maxBodyBytes))
		return nil, &Error{Kind: KindUpstream, URL: req.URL, StatusCode: hresp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: req.URL, StatusCode: hresp.StatusCode, Err: err}
	}
	return &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: body}, nil
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
