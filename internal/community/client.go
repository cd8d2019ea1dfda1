// Package community implements the authenticated transport to the Steam
// community site: a cookie-bearing HTTP client whose every response passes
// through a degraded-response validator, and the web session state the
// offer engine checks before polling.
package community

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
	"github.com/barterworks/steam-agent/internal/rate"
)

const (
	// BaseURL is the community site all offer and confirmation endpoints
	// live under.
	BaseURL = "https://steamcommunity.com"

	// defaultUserAgent is sent when the host does not configure one.
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// maxBodySize caps how much of a response we read. Offer pages are a
	// few hundred KB at most.
	maxBodySize = 4 << 20

	// rateKey scopes the shared limiter for community traffic.
	rateKey = "community"
)

// Client is the cookie-aware fetch wrapper over the community site.
// Redirects are not followed so the validator can classify 3xx-to-login
// responses as session expiry.
type Client struct {
	logger    *zap.Logger
	http      *http.Client
	rateMgr   *rate.Manager
	userAgent string
}

// NewClient constructs a community Client with a fresh cookie jar.
// rateMgr may be nil to disable client-side rate limiting.
func NewClient(logger *zap.Logger, rateMgr *rate.Manager, timeout time.Duration, userAgent string) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	jar, _ := cookiejar.New(nil)
	return &Client{
		logger: logger,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		rateMgr:   rateMgr,
		userAgent: userAgent,
	}
}

// SetCookies installs cookies into the jar for u.
func (c *Client) SetCookies(u *url.URL, cookies []*http.Cookie) {
	c.http.Jar.SetCookies(u, cookies)
}

// Cookies returns the jar's cookies for u, for persistence.
func (c *Client) Cookies(u *url.URL) []*http.Cookie {
	return c.http.Jar.Cookies(u)
}

// GetJSON issues a validated GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, rawurl string, query url.Values, referer string, out any) error {
	body, err := c.fetch(ctx, http.MethodGet, rawurl, query, nil, referer)
	if err != nil {
		return err
	}
	return c.decode(rawurl, body, out)
}

// PostFormJSON issues a validated form POST and decodes the JSON response
// into out.
func (c *Client) PostFormJSON(ctx context.Context, rawurl string, form url.Values, referer string, out any) error {
	body, err := c.fetch(ctx, http.MethodPost, rawurl, nil, form, referer)
	if err != nil {
		return err
	}
	return c.decode(rawurl, body, out)
}

// GetHTML issues a validated GET and returns the raw body. The confirmation
// list endpoint replies with an HTML fragment, not JSON.
func (c *Client) GetHTML(ctx context.Context, rawurl string, query url.Values, referer string) ([]byte, error) {
	return c.fetch(ctx, http.MethodGet, rawurl, query, nil, referer)
}

func (c *Client) fetch(ctx context.Context, method, rawurl string, query url.Values, form url.Values, referer string) ([]byte, error) {
	if c.rateMgr != nil {
		if err := c.rateMgr.Wait(ctx, rateKey); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	if len(query) > 0 {
		sep := "?"
		if strings.Contains(rawurl, "?") {
			sep = "&"
		}
		rawurl += sep + query.Encode()
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, rawurl, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("community.http_failed",
			zap.String("url", rawurl),
			zap.Error(err))
		metrics.IncCommunityRequest(endpointTag(req.URL), "transport_error")
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	metrics.IncCommunityRequest(endpointTag(req.URL), strconv.Itoa(resp.StatusCode))

	if err := Validate(resp.StatusCode, resp.Header.Get("Location"), body); err != nil {
		c.logger.Debug("community.response_rejected",
			zap.String("url", rawurl),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return nil, err
	}

	c.logger.Debug("community.http_success",
		zap.String("url", rawurl),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return body, nil
}

func (c *Client) decode(rawurl string, body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Warn("community.decode_failed",
			zap.String("url", rawurl),
			zap.Error(err))
		return fmt.Errorf("decode community response: %w", err)
	}
	return nil
}

// endpointTag reduces a URL to its first path segment for metric labels, so
// offer ids in paths do not explode cardinality.
func endpointTag(u *url.URL) string {
	path := strings.TrimPrefix(u.Path, "/")
	if i := strings.IndexByte(path, '/'); i > 0 {
		path = path[:i]
	}
	if path == "" {
		return "root"
	}
	return path
}
