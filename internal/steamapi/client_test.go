package steamapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

const offersBody = `{
  "response": {
    "trade_offers_sent": [
      {
        "tradeofferid": "4112828817",
        "accountid_other": 46143802,
        "message": "one sided gift",
        "expiration_time": 1727900000,
        "trade_offer_state": 2,
        "items_to_give": [
          {"appid": 440, "contextid": "2", "assetid": "8407577049", "classid": "101785959", "instanceid": "11040578", "amount": "1", "missing": false}
        ],
        "is_our_offer": true,
        "time_created": 1726600000,
        "time_updated": 1726690000,
        "from_real_time_trade": false,
        "escrow_end_date": 0,
        "confirmation_method": 0
      }
    ],
    "trade_offers_received": [
      {
        "tradeofferid": "4112901135",
        "accountid_other": 103582791,
        "trade_offer_state": 3,
        "items_to_receive": [
          {"appid": 440, "contextid": "2", "assetid": "8407577050", "classid": "101785959", "instanceid": "11040578", "amount": "1", "missing": false}
        ],
        "is_our_offer": false,
        "time_created": 1726500000,
        "time_updated": 1726510000,
        "tradeid": "2426840007122485174"
      }
    ],
    "descriptions": [
      {"appid": 440, "classid": "101785959", "instanceid": "11040578", "name": "Mann Co. Supply Crate Key", "market_hash_name": "Mann Co. Supply Crate Key", "type": "Level 5 Tool"}
    ]
  }
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(zap.NewNop(), Config{GetDescriptions: true, Language: "en"}, nil, nil)
	client.SetBaseURL(server.URL)
	client.SetKey("test-api-key")
	return client, server
}

func TestClient_Offers(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/IEconService/GetTradeOffers/v1/", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "test-api-key", q.Get("key"))
		assert.Equal(t, "1", q.Get("get_sent_offers"))
		assert.Equal(t, "1", q.Get("get_received_offers"))
		assert.Equal(t, "1", q.Get("active_only"))
		assert.Equal(t, "1726000000", q.Get("time_historical_cutoff"))
		assert.Equal(t, "1", q.Get("get_descriptions"))
		assert.Equal(t, "en", q.Get("language"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(offersBody))
	})

	page, err := client.Offers(context.Background(), tradeoffer.OffersQuery{
		ActiveOnly:           true,
		TimeHistoricalCutoff: 1726000000,
	})
	require.NoError(t, err)

	require.Len(t, page.Sent, 1)
	sent := page.Sent[0]
	assert.Equal(t, "4112828817", sent.ID)
	assert.Equal(t, "76561198006409530", sent.Partner.String())
	assert.Equal(t, tradeoffer.StateActive, sent.State)
	assert.True(t, sent.IsOurs)
	require.Len(t, sent.ItemsToGive, 1)
	assert.Equal(t, "Mann Co. Supply Crate Key", sent.ItemsToGive[0].Name)
	assert.Equal(t, 1, sent.ItemsToGive[0].Amount)
	assert.Equal(t, int64(1726690000), sent.UpdatedAt.Unix())

	require.Len(t, page.Received, 1)
	recv := page.Received[0]
	assert.Equal(t, tradeoffer.StateAccepted, recv.State)
	assert.Equal(t, "2426840007122485174", recv.TradeID)
	assert.False(t, recv.IsOurs)

	// The active sent offer does not need cutoff coverage; the accepted
	// received offer does, until escrow resolves.
	assert.Equal(t, int64(1726510000), page.OldestNonTerminal)
}

func TestClient_Offers_DefaultCutoff(t *testing.T) {
	var gotCutoff string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCutoff = r.URL.Query().Get("time_historical_cutoff")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {}}`))
	})

	_, err := client.Offers(context.Background(), tradeoffer.OffersQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, gotCutoff)
}

func TestClient_Offers_MissingEnvelope(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.Offers(context.Background(), tradeoffer.OffersQuery{})
	assert.ErrorIs(t, err, tradeoffer.ErrMalformedResponse)
}

func TestClient_Offers_AllItemSidesEmpty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
          "response": {
            "trade_offers_sent": [
              {"tradeofferid": "1", "accountid_other": 46143802, "trade_offer_state": 2, "is_our_offer": true}
            ],
            "trade_offers_received": [
              {"tradeofferid": "2", "accountid_other": 46143802, "trade_offer_state": 2}
            ]
          }
        }`))
	})

	_, err := client.Offers(context.Background(), tradeoffer.OffersQuery{})
	assert.ErrorIs(t, err, tradeoffer.ErrDataTemporarilyUnavailable)
}

func TestClient_Offers_EmptyListsAreFine(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {}}`))
	})

	page, err := client.Offers(context.Background(), tradeoffer.OffersQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Sent)
	assert.Empty(t, page.Received)
	assert.Zero(t, page.OldestNonTerminal)
}

func TestClient_Offer(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/IEconService/GetTradeOffer/v1/", r.URL.Path)
		assert.Equal(t, "4112828817", r.URL.Query().Get("tradeofferid"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
          "response": {
            "offer": {
              "tradeofferid": "4112828817",
              "accountid_other": 46143802,
              "trade_offer_state": 9,
              "confirmation_method": 2,
              "items_to_give": [
                {"appid": 440, "contextid": "2", "assetid": "8407577049", "classid": "101785959", "instanceid": "11040578"}
              ],
              "is_our_offer": true,
              "time_created": 1726600000,
              "time_updated": 1726600000
            }
          }
        }`))
	})

	offer, err := client.Offer(context.Background(), "4112828817")
	require.NoError(t, err)
	assert.Equal(t, tradeoffer.StateCreatedNeedsConfirmation, offer.State)
	assert.Equal(t, tradeoffer.ConfirmationMobile, offer.ConfirmationMethod)
	// No descriptions arrived and no cache is wired, so names stay empty.
	require.Len(t, offer.ItemsToGive, 1)
	assert.Empty(t, offer.ItemsToGive[0].Name)
}

func TestClient_Offer_Missing(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {}}`))
	})

	_, err := client.Offer(context.Background(), "999")
	assert.ErrorIs(t, err, tradeoffer.ErrMalformedResponse)
}

func TestClient_CancelOffer(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/IEconService/CancelTradeOffer/v1/", r.URL.Path)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "test-api-key", r.PostForm.Get("key"))
		assert.Equal(t, "4112828817", r.PostForm.Get("tradeofferid"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {}}`))
	})

	require.NoError(t, client.CancelOffer(context.Background(), "4112828817"))
}

func TestClient_DeclineOffer(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/IEconService/DeclineTradeOffer/v1/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {}}`))
	})

	require.NoError(t, client.DeclineOffer(context.Background(), "4112901135"))
}

func TestClient_TradeStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/IEconService/GetTradeStatus/v1/", r.URL.Path)
		assert.Equal(t, "2426840007122485174", r.URL.Query().Get("tradeid"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
          "response": {
            "trades": [
              {
                "tradeid": "2426840007122485174",
                "steamid_other": "76561198006409530",
                "time_init": 1726510000,
                "status": 3,
                "assets_given": [
                  {"appid": 440, "contextid": "2", "assetid": "8407577049", "amount": "1", "new_assetid": "8408100000"}
                ]
              }
            ]
          }
        }`))
	})

	trade, err := client.TradeStatus(context.Background(), "2426840007122485174")
	require.NoError(t, err)
	assert.Equal(t, "2426840007122485174", trade.TradeID)
	assert.Equal(t, "76561198006409530", trade.Partner.String())
	require.Len(t, trade.AssetsGiven, 1)
	assert.Equal(t, "8408100000", trade.AssetsGiven[0].NewAssetID)
	assert.Empty(t, trade.AssetsReceived)
}

func TestClient_NoKey(t *testing.T) {
	requests := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
	})
	client.SetKey("")

	assert.False(t, client.HasKey())
	_, err := client.Offers(context.Background(), tradeoffer.OffersQuery{})
	assert.Error(t, err)
	assert.Zero(t, requests)
}

func TestClient_ClientError_NoRetry(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`Access is denied.`))
	})

	_, err := client.Offers(context.Background(), tradeoffer.OffersQuery{})
	require.Error(t, err)

	var httpErr *tradeoffer.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.Status)
	assert.Contains(t, string(httpErr.Body), "denied")
	assert.Equal(t, 1, attempts)
}

func TestClient_ServerError_Retry(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": {}}`))
	})

	_, err := client.Offers(context.Background(), tradeoffer.OffersQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestClient_ServerError_Exhausted(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Offers(context.Background(), tradeoffer.OffersQuery{})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial try plus two retries
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(0))
	assert.Equal(t, 250*time.Millisecond, Backoff(1))
	assert.Equal(t, 500*time.Millisecond, Backoff(2))
	assert.Equal(t, 500*time.Millisecond, Backoff(10))
}

func TestDescriptor(t *testing.T) {
	assert.Equal(t, "/IEconService/GetTradeOffers/v1/", descGetTradeOffers.Path())
	assert.Equal(t, "IEconService/GetTradeOffers", descGetTradeOffers.Name())
	assert.Equal(t, http.MethodPost, descCancelTradeOffer.HTTPMethod)
	assert.Equal(t, http.MethodGet, descGetTradeStatus.HTTPMethod)
}
