package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barterworks/steam-agent/internal/confirmation"
	"github.com/barterworks/steam-agent/internal/steamapi"
	"github.com/barterworks/steam-agent/internal/steamid"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

// --- Mock Engine ---

type mockEngine struct {
	mu        sync.Mutex
	account   string
	ready     bool
	lastPoll  time.Time
	dropped   int64
	data      *tradeoffer.PollData
	polls     []bool
	refreshFn func(offer *tradeoffer.Offer) error
	cancelFn  func(offer *tradeoffer.Offer) error
}

func (m *mockEngine) Account() string      { return m.account }
func (m *mockEngine) Ready() bool          { return m.ready }
func (m *mockEngine) LastPoll() time.Time  { return m.lastPoll }
func (m *mockEngine) DroppedEvents() int64 { return m.dropped }

func (m *mockEngine) Poll(fullUpdate bool) {
	m.mu.Lock()
	m.polls = append(m.polls, fullUpdate)
	m.mu.Unlock()
}

func (m *mockEngine) pollCalls() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.polls...)
}

func (m *mockEngine) SnapshotPollData() *tradeoffer.PollData {
	if m.data == nil {
		return tradeoffer.NewPollData()
	}
	return m.data.Clone()
}

func (m *mockEngine) Refresh(_ context.Context, offer *tradeoffer.Offer) error {
	if m.refreshFn != nil {
		return m.refreshFn(offer)
	}
	return fmt.Errorf("not implemented")
}

func (m *mockEngine) Cancel(_ context.Context, offer *tradeoffer.Offer) error {
	if m.cancelFn != nil {
		return m.cancelFn(offer)
	}
	return fmt.Errorf("not implemented")
}

// --- Mock Confirmer ---

type mockConfirmer struct {
	entries   []*confirmation.Entry
	fetchErr  error
	canceled  int
	cancelErr error
}

func (m *mockConfirmer) Fetch(context.Context) ([]*confirmation.Entry, error) {
	return m.entries, m.fetchErr
}

func (m *mockConfirmer) CancelAll(context.Context) (int, error) {
	return m.canceled, m.cancelErr
}

// --- Mock Trade Source ---

type mockTradeSource struct {
	trade *steamapi.Trade
	err   error
}

func (m *mockTradeSource) TradeStatus(context.Context, string) (*steamapi.Trade, error) {
	return m.trade, m.err
}

// --- Test Helpers ---

func newTestApp(engine OfferEngine, confirmer Confirmer, trades TradeSource, checks ...HealthCheck) *fiber.App {
	app := fiber.New()
	RegisterRoutes(app, NewHandler(nil, engine, confirmer, trades), checks...)
	return app
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func trackedData() *tradeoffer.PollData {
	data := tradeoffer.NewPollData()
	data.Record(tradeoffer.SideSent, "100", tradeoffer.StateActive, 1726000100)
	data.Record(tradeoffer.SideSent, "101", tradeoffer.StateAccepted, 1726000200)
	data.Record(tradeoffer.SideReceived, "200", tradeoffer.StateInEscrow, 1726000300)
	data.OffersSince = 1726000000
	return data
}

// --- Status ---

func TestStatus(t *testing.T) {
	engine := &mockEngine{
		account:  "hydrogen",
		ready:    true,
		lastPoll: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		dropped:  3,
		data:     trackedData(),
	}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/status", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "hydrogen", body["account"])
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, float64(3), body["dropped_events"])
	assert.Equal(t, float64(1726000000), body["offers_since"])

	tracked := body["tracked"].(map[string]any)
	assert.Equal(t, float64(2), tracked["sent"])
	assert.Equal(t, float64(1), tracked["received"])
}

func TestStatusBeforeFirstPoll(t *testing.T) {
	engine := &mockEngine{account: "hydrogen"}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/status", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	body := decodeBody(t, resp)
	assert.Nil(t, body["last_poll"])
	assert.Equal(t, false, body["ready"])
}

// --- TriggerPoll ---

func TestTriggerPollDefaultsToDelta(t *testing.T) {
	engine := &mockEngine{}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/poll", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "scheduled", body["status"])
	assert.Equal(t, false, body["full"])

	require.Eventually(t, func() bool {
		return len(engine.pollCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{false}, engine.pollCalls())
}

func TestTriggerPollFullViaQuery(t *testing.T) {
	engine := &mockEngine{}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/poll?full=true", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(engine.pollCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true}, engine.pollCalls())
}

func TestTriggerPollFullViaBody(t *testing.T) {
	engine := &mockEngine{}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/poll", strings.NewReader(`{"full":true}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["full"])
}

// --- Offers ---

func TestOffers(t *testing.T) {
	engine := &mockEngine{data: trackedData()}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/offers", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		OffersSince int64          `json:"offers_since"`
		Offers      []trackedOffer `json:"offers"`
	}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &body))

	assert.Equal(t, int64(1726000000), body.OffersSince)
	require.Len(t, body.Offers, 3)

	// Sent side first, ordered by id within the side.
	assert.Equal(t, trackedOffer{OfferID: "100", Side: "sent", State: "Active", UpdatedAt: 1726000100}, body.Offers[0])
	assert.Equal(t, trackedOffer{OfferID: "101", Side: "sent", State: "Accepted", UpdatedAt: 1726000200}, body.Offers[1])
	assert.Equal(t, trackedOffer{OfferID: "200", Side: "received", State: "InEscrow", UpdatedAt: 1726000300}, body.Offers[2])
}

// --- CancelOffer ---

func TestCancelOffer(t *testing.T) {
	engine := &mockEngine{
		refreshFn: func(o *tradeoffer.Offer) error {
			o.State = tradeoffer.StateActive
			o.IsOurs = true
			return nil
		},
		cancelFn: func(o *tradeoffer.Offer) error {
			o.State = tradeoffer.StateCanceled
			return nil
		},
	}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/offers/4112828817/cancel", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "4112828817", body["offer_id"])
	assert.Equal(t, "Canceled", body["state"])
}

func TestCancelOfferRefreshFailure(t *testing.T) {
	engine := &mockEngine{
		refreshFn: func(*tradeoffer.Offer) error { return errors.New("remote down") },
	}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/offers/4112828817/cancel", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
}

func TestCancelOfferWrongState(t *testing.T) {
	engine := &mockEngine{
		refreshFn: func(o *tradeoffer.Offer) error {
			o.State = tradeoffer.StateDeclined
			return nil
		},
		cancelFn: func(o *tradeoffer.Offer) error {
			return fmt.Errorf("%w: cannot decline offer in state %s", tradeoffer.ErrInvalidState, o.State)
		},
	}
	app := newTestApp(engine, nil, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/offers/4112828817/cancel", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

// --- Confirmations ---

func TestConfirmations(t *testing.T) {
	confirmer := &mockConfirmer{
		entries: []*confirmation.Entry{
			{ID: "1726001", Type: confirmation.TypeTrade, Creator: "4112901135"},
		},
	}
	app := newTestApp(&mockEngine{}, confirmer, nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/confirmations", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	list := body["confirmations"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, "1726001", first["id"])
}

func TestCancelAllConfirmations(t *testing.T) {
	confirmer := &mockConfirmer{canceled: 2}
	app := newTestApp(&mockEngine{}, confirmer, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/confirmations/cancel-all", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["canceled"])
}

func TestConfirmationsUnconfigured(t *testing.T) {
	app := newTestApp(&mockEngine{}, nil, nil)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/confirmations"},
		{http.MethodPost, "/api/v1/confirmations/cancel-all"},
	} {
		req, _ := http.NewRequest(route.method, route.path, nil)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode, route.path)
	}
}

// --- Trades ---

func TestTrade(t *testing.T) {
	trades := &mockTradeSource{
		trade: &steamapi.Trade{
			TradeID:     "998877",
			Partner:     steamid.New(46143802),
			Status:      3,
			InitiatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			AssetsGiven: []steamapi.TradedAsset{
				{AppID: 440, ContextID: "2", AssetID: "101", NewAssetID: "901"},
			},
		},
	}
	app := newTestApp(&mockEngine{}, nil, trades)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/trades/998877", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "998877", body["trade_id"])
	assert.Equal(t, "76561198006409530", body["partner"])
	assert.Equal(t, float64(3), body["status"])
	assert.Equal(t, float64(1), body["assets_given"])
	assert.Equal(t, float64(0), body["assets_received"])
}

func TestTradeNotFound(t *testing.T) {
	trades := &mockTradeSource{
		err: fmt.Errorf("%w: missing response.trades", tradeoffer.ErrMalformedResponse),
	}
	app := newTestApp(&mockEngine{}, nil, trades)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/trades/998877", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestTradeUnconfigured(t *testing.T) {
	app := newTestApp(&mockEngine{}, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/trades/998877", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

// --- Health ---

func TestHealthAllOK(t *testing.T) {
	app := newTestApp(&mockEngine{}, nil, nil,
		HealthCheck{Name: "store", Check: func(context.Context) error { return nil }},
	)

	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["store"])
}

func TestHealthDegraded(t *testing.T) {
	app := newTestApp(&mockEngine{}, nil, nil,
		HealthCheck{Name: "store", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "session", Check: func(context.Context) error { return errors.New("expired") }},
	)

	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["store"])
	assert.Equal(t, "expired", checks["session"])
}

func TestMetricsRoute(t *testing.T) {
	app := newTestApp(&mockEngine{}, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "steam_")
}
