// Package httputil sends outbound HTTP requests with bounded retries.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls backoff between attempts.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// JitterFrac randomises each delay by ±JitterFrac of its value.
	JitterFrac float64
}

// DefaultRetryConfig returns the webhook defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do sends the request, retrying network errors and retryable statuses.
// body is replayed on every attempt. The caller closes the returned body.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := applyJitter(delay, cfg.JitterFrac)
			log.Debug("retrying request", "attempt", attempt, "delay", wait, "url", url)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, err
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	log.Warn("all retries exhausted", "method", method, "url", url, "attempts", cfg.MaxRetries+1, logging.KeyError, fmt.Sprint(lastErr))
	return nil, lastErr
}

// PostJSON marshals payload and posts it with retries. Any non-2xx final
// status is returned as a *StatusError.
func PostJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string, cfg RetryConfig) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	for k, v := range headers {
		h.Set(k, v)
	}

	resp, err := Do(ctx, client, http.MethodPost, url, body, h, cfg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	return nil
}

// StatusError is an HTTP response with an unsuccessful status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	if result := time.Duration(float64(d) + jitter); result > 0 {
		return result
	}
	return 0
}
