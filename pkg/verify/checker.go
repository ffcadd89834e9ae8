package verify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/elonfeng/polieval/internal/retry"
)

// URLChecker reports whether a URL currently resolves.
type URLChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// HTTPChecker probes URLs with HEAD, falling back to GET for servers that
// refuse HEAD.
type HTTPChecker struct {
	client *resty.Client
	policy retry.Policy
}

// NewHTTPChecker creates a checker whose every request is bounded by timeout.
func NewHTTPChecker(timeout time.Duration, policy retry.Policy) *HTTPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; polieval/1.0)")
	return &HTTPChecker{client: client, policy: policy}
}

// Check implements URLChecker.
func (c *HTTPChecker) Check(ctx context.Context, rawURL string) error {
	return retry.Do(ctx, c.policy, "url_check", func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).Head(rawURL)
		if err != nil {
			return fmt.Errorf("head %s: %w", rawURL, err)
		}
		if resp.StatusCode() == http.StatusMethodNotAllowed || resp.StatusCode() == http.StatusNotImplemented {
			resp, err = c.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(rawURL)
			if err != nil {
				return fmt.Errorf("get %s: %w", rawURL, err)
			}
			resp.RawBody().Close()
		}
		if resp.StatusCode() >= 400 {
			return retry.CheckStatus(rawURL, resp.StatusCode(), nil)
		}
		return nil
	})
}
