package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketScope/internal/indexer"
	"marketScope/internal/metrics"
)

// HTTPOptions configures a REST client.
type HTTPOptions struct {
	Headers        map[string]string
	RatePerSecond  float64
	Timeout        time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	RateLimitDelay time.Duration
	RateLimitMax   time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// HTTPClient is a rate-limited JSON client. 429 responses are retried
// until they clear or ctx is done; 404 maps to ErrNotFound; 5xx and
// network errors are retried a bounded number of times.
type HTTPClient struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
	opts    HTTPOptions
	logger  *zap.Logger
}

func NewHTTPClient(baseURL string, opts HTTPOptions) *HTTPClient {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.RateLimitDelay <= 0 {
		opts.RateLimitDelay = time.Second
	}
	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = time.Minute
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	opts.Headers = headers
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		base:    strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		opts:    opts,
		logger:  logger,
	}
}

// GetJSON fetches base+path and decodes the body into out. Absolute URLs
// are fetched as given.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.base + path
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		target = path
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return indexer.WithRetry(ctx, c.opts.MaxRetries, c.opts.RetryBackoff, func(ctx context.Context) error {
		body, err := c.getRateLimited(ctx, target)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w: %v (%w)", path, ErrMalformed, err, indexer.ErrPermanent)
		}
		return nil
	})
}

// getRateLimited performs one logical request, waiting out 429 responses.
func (c *HTTPClient) getRateLimited(ctx context.Context, target string) ([]byte, error) {
	delay := c.opts.RateLimitDelay
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", indexer.ErrPermanent, err)
		}

		status, header, body, err := c.do(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", indexer.ErrPermanent, ctx.Err())
			}
			return nil, err
		}

		switch {
		case status == http.StatusTooManyRequests:
			c.opts.Metrics.RateLimited(hostOf(target))
			wait := retryAfter(header, delay)
			c.logger.Warn("rate limited, backing off", zap.String("url", target), zap.Duration("delay", wait))
			if err := indexer.Sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("%w: %v", indexer.ErrPermanent, err)
			}
			delay *= 2
			if delay > c.opts.RateLimitMax {
				delay = c.opts.RateLimitMax
			}
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("get %s: %w (%w)", target, ErrNotFound, indexer.ErrPermanent)
		case status >= 500:
			return nil, fmt.Errorf("get %s: status %d", target, status)
		case status >= 400:
			return nil, fmt.Errorf("get %s: status %d: %s (%w)", target, status, truncate(body), indexer.ErrPermanent)
		default:
			return body, nil
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, target string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", indexer.ErrPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func retryAfter(header http.Header, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func hostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	return u.Host
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}

// SetHeader adds a header sent with every request. It must be called before
// the client is used.
func (c *HTTPClient) SetHeader(key, value string) {
	c.opts.Headers[key] = value
}
