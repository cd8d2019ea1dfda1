package steamapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
	"github.com/barterworks/steam-agent/internal/rate"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

// sixMonths is the historical window for a full update, in seconds.
const sixMonths int64 = 6 * 30 * 24 * 3600

// rateKey scopes the shared limiter for Web API traffic.
const rateKey = "steamapi"

// Backoff returns the retry sleep duration for the given attempt number.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Config carries the adapter knobs.
type Config struct {
	// Language requests localized item descriptions. Empty disables the
	// language parameter entirely.
	Language string

	// GetDescriptions asks the API to attach item descriptions to every
	// offer response, enabling name enrichment.
	GetDescriptions bool

	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration

	// RetryMax is how many times a failed request is retried. Server
	// errors and transport failures retry; 4xx responses do not.
	RetryMax int
}

// Client talks to the Web API. All calls carry the account's API key; the
// key can be set after construction (e.g. once resolved from secrets) and
// polling stays a no-op until then.
type Client struct {
	logger  *zap.Logger
	cfg     Config
	http    *http.Client
	rateMgr *rate.Manager
	baseURL string

	keyMu  sync.RWMutex
	apiKey string

	descs *DescriptionCache // nil when enrichment is off
}

// NewClient constructs a Web API client. rateMgr may be nil; descs may be
// nil to disable description caching.
func NewClient(logger *zap.Logger, cfg Config, rateMgr *rate.Manager, descs *DescriptionCache) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	return &Client{
		logger:  logger,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		rateMgr: rateMgr,
		baseURL: BaseURL,
		descs:   descs,
	}
}

// SetBaseURL overrides the API host, for tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimSuffix(u, "/")
}

// SetKey installs the Web API key.
func (c *Client) SetKey(key string) {
	c.keyMu.Lock()
	c.apiKey = key
	c.keyMu.Unlock()
}

// HasKey reports whether an API key is configured.
func (c *Client) HasKey() bool {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey != ""
}

func (c *Client) key() string {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey
}

// Offers fetches the sent and received offer lists selected by q and maps
// them to offer values. The returned page carries the oldest update time
// across non-terminal offers, which the poller needs to advance its cutoff.
func (c *Client) Offers(ctx context.Context, q tradeoffer.OffersQuery) (*tradeoffer.OffersPage, error) {
	params := url.Values{
		"get_sent_offers":     {"1"},
		"get_received_offers": {"1"},
	}
	if q.ActiveOnly {
		params.Set("active_only", "1")
	}
	if q.HistoricalOnly {
		params.Set("historical_only", "1")
	}
	cutoff := q.TimeHistoricalCutoff
	if cutoff <= 0 {
		cutoff = time.Now().Unix() - sixMonths
	}
	params.Set("time_historical_cutoff", strconv.FormatInt(cutoff, 10))
	c.addDescriptionParams(params)

	var env getTradeOffersEnvelope
	if err := c.do(ctx, descGetTradeOffers, params, &env); err != nil {
		return nil, err
	}
	if env.Response == nil {
		return nil, fmt.Errorf("%w: missing response envelope", tradeoffer.ErrMalformedResponse)
	}

	sentDTOs := env.Response.TradeOffersSent
	recvDTOs := env.Response.TradeOffersReceived
	if allEmpty(sentDTOs, recvDTOs) {
		return nil, fmt.Errorf("%w: every returned offer has empty item sides", tradeoffer.ErrDataTemporarilyUnavailable)
	}

	index := c.indexDescriptions(env.Response.Descriptions)

	page := &tradeoffer.OffersPage{}
	for _, dto := range sentDTOs {
		page.Sent = append(page.Sent, mapOffer(dto, index))
	}
	for _, dto := range recvDTOs {
		page.Received = append(page.Received, mapOffer(dto, index))
	}
	page.OldestNonTerminal = oldestNonTerminal(page.Sent, page.Received)
	return page, nil
}

// Offer fetches a single offer by id.
func (c *Client) Offer(ctx context.Context, id string) (*tradeoffer.Offer, error) {
	params := url.Values{"tradeofferid": {id}}
	c.addDescriptionParams(params)

	var env getTradeOfferEnvelope
	if err := c.do(ctx, descGetTradeOffer, params, &env); err != nil {
		return nil, err
	}
	if env.Response == nil || env.Response.Offer == nil {
		return nil, fmt.Errorf("%w: missing response.offer", tradeoffer.ErrMalformedResponse)
	}

	index := c.indexDescriptions(env.Response.Descriptions)
	return mapOffer(env.Response.Offer, index), nil
}

// CancelOffer cancels an offer we sent.
func (c *Client) CancelOffer(ctx context.Context, id string) error {
	return c.do(ctx, descCancelTradeOffer, url.Values{"tradeofferid": {id}}, nil)
}

// DeclineOffer declines an offer we received.
func (c *Client) DeclineOffer(ctx context.Context, id string) error {
	return c.do(ctx, descDeclineTradeOffer, url.Values{"tradeofferid": {id}}, nil)
}

// TradeStatus fetches the completed-trade record behind an accepted offer.
func (c *Client) TradeStatus(ctx context.Context, tradeID string) (*Trade, error) {
	params := url.Values{"tradeid": {tradeID}}
	c.addDescriptionParams(params)

	var env getTradeStatusEnvelope
	if err := c.do(ctx, descGetTradeStatus, params, &env); err != nil {
		return nil, err
	}
	if env.Response == nil || len(env.Response.Trades) == 0 {
		return nil, fmt.Errorf("%w: missing response.trades", tradeoffer.ErrMalformedResponse)
	}
	return mapTrade(env.Response.Trades[0]), nil
}

func (c *Client) addDescriptionParams(params url.Values) {
	if c.cfg.GetDescriptions {
		params.Set("get_descriptions", "1")
	}
	if c.cfg.Language != "" {
		params.Set("language", c.cfg.Language)
	}
}

// do executes one descriptor call with rate limiting and retries, then
// decodes the response into out. The API key travels in the query string
// for GETs and the form body for POSTs.
func (c *Client) do(ctx context.Context, desc Descriptor, params url.Values, out any) error {
	if !c.HasKey() {
		return fmt.Errorf("steamapi: no API key configured")
	}
	if c.rateMgr != nil {
		if err := c.rateMgr.Wait(ctx, rateKey); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(Backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := c.newRequest(ctx, desc, params)
		if err != nil {
			return err
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("steamapi.http_failed",
				zap.String("call", desc.Name()),
				zap.Error(err),
				zap.Int("attempt", attempt))
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		elapsed := time.Since(start)

		metrics.IncAPIRequest(desc.Name(), strconv.Itoa(resp.StatusCode))
		metrics.ObserveDuration(metrics.APIRequestDuration, start, desc.Name())

		if resp.StatusCode >= 500 {
			c.logger.Warn("steamapi.server_error",
				zap.String("call", desc.Name()),
				zap.Int("status", resp.StatusCode),
				zap.Duration("latency", elapsed))
			lastErr = &tradeoffer.HTTPError{Status: resp.StatusCode, Body: body}
			continue
		}

		if resp.StatusCode >= 400 {
			return &tradeoffer.HTTPError{Status: resp.StatusCode, Body: body}
		}

		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				c.logger.Warn("steamapi.decode_failed",
					zap.String("call", desc.Name()),
					zap.Error(err))
				return fmt.Errorf("%w: %v", tradeoffer.ErrMalformedResponse, err)
			}
		}

		c.logger.Debug("steamapi.http_success",
			zap.String("call", desc.Name()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))
		return nil
	}

	return fmt.Errorf("steamapi: %s failed after %d attempts: %w", desc.Name(), c.cfg.RetryMax+1, lastErr)
}

func (c *Client) newRequest(ctx context.Context, desc Descriptor, params url.Values) (*http.Request, error) {
	full := c.baseURL + desc.Path()

	merged := url.Values{"key": {c.key()}}
	for k, vs := range params {
		merged[k] = vs
	}

	if desc.HTTPMethod == http.MethodPost {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, full, strings.NewReader(merged.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full+"?"+merged.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func allEmpty(sent, received []*offerDTO) bool {
	total := len(sent) + len(received)
	if total == 0 {
		return false
	}
	for _, dto := range sent {
		if !dto.empty() {
			return false
		}
	}
	for _, dto := range received {
		if !dto.empty() {
			return false
		}
	}
	return true
}
