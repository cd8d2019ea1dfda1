package tradeoffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// communityBaseURL is where the send and accept endpoints live. Cancels and
// declines go through the offers API instead.
const communityBaseURL = "https://steamcommunity.com"

// tradeBody is the json_tradeoffer form field: both item bags in the shape
// the send endpoint expects.
type tradeBody struct {
	NewVersion bool      `json:"newversion"`
	Version    int       `json:"version"`
	Me         tradeSide `json:"me"`
	Them       tradeSide `json:"them"`
}

type tradeSide struct {
	Assets   []tradeAsset `json:"assets"`
	Currency []tradeAsset `json:"currency"`
	Ready    bool         `json:"ready"`
}

type tradeAsset struct {
	AppID     int    `json:"appid"`
	ContextID string `json:"contextid"`
	Amount    int    `json:"amount"`
	AssetID   string `json:"assetid"`
}

// sendResponse doubles as the strError carrier for accept: the trade
// endpoints share that field across success and failure bodies.
type sendResponse struct {
	TradeOfferID            string `json:"tradeofferid"`
	NeedsMobileConfirmation bool   `json:"needs_mobile_confirmation"`
	NeedsEmailConfirmation  bool   `json:"needs_email_confirmation"`
	EmailDomain             string `json:"email_domain"`
	StrError                string `json:"strError"`
}

type acceptResponse struct {
	TradeID                 string `json:"tradeid"`
	NeedsMobileConfirmation bool   `json:"needs_mobile_confirmation"`
	NeedsEmailConfirmation  bool   `json:"needs_email_confirmation"`
	StrError                string `json:"strError"`
}

// AcceptOutcome is what Accept reports back: the offer completed, waits on a
// second factor, or sits in escrow.
type AcceptOutcome string

const (
	OutcomeAccepted AcceptOutcome = "accepted"
	OutcomePending  AcceptOutcome = "pending"
	OutcomeEscrow   AcceptOutcome = "escrow"
)

// Send transmits a built offer. On success the offer gains its id and
// timestamps, the poll bookkeeping records it, and the returned state is
// either Active or CreatedNeedsConfirmation when the server demands a
// second factor.
//
// The pending-send counter is held high for the duration of the POST so a
// concurrent tick does not report our own offer as unknownOfferSent.
func (m *Manager) Send(ctx context.Context, offer *Offer) (State, error) {
	if offer.ID != "" {
		return 0, fmt.Errorf("%w: offer %s was already sent", ErrInvalidState, offer.ID)
	}
	if offer.ItemCount() == 0 {
		return 0, fmt.Errorf("cannot send an offer with no items")
	}
	if !offer.Partner.IsIndividual() {
		return 0, fmt.Errorf("offer partner %q is not an individual account", offer.Partner)
	}
	if !m.session.Authenticated() {
		return 0, ErrNotLoggedIn
	}

	body, err := json.Marshal(tradeBody{
		NewVersion: true,
		Version:    offer.ItemCount() + 1,
		Me:         buildSide(offer.ItemsToGive),
		Them:       buildSide(offer.ItemsToReceive),
	})
	if err != nil {
		return 0, fmt.Errorf("encode trade body: %w", err)
	}

	createParams := "{}"
	if offer.Token != "" {
		p, _ := json.Marshal(map[string]string{"trade_offer_access_token": offer.Token})
		createParams = string(p)
	}

	form := url.Values{
		"sessionid":                 {m.session.SessionID()},
		"serverid":                  {"1"},
		"partner":                   {offer.Partner.String()},
		"tradeoffermessage":         {offer.Message},
		"json_tradeoffer":           {string(body)},
		"captcha":                   {""},
		"trade_offer_create_params": {createParams},
	}
	referer := communityBaseURL + "/tradeoffer/new/?partner=" +
		fmt.Sprint(offer.Partner.AccountID())
	if offer.Token != "" {
		referer += "&token=" + url.QueryEscape(offer.Token)
	}
	if offer.CounteringID != "" {
		form.Set("tradeofferid_countered", offer.CounteringID)
		referer = communityBaseURL + "/tradeoffer/" + offer.CounteringID + "/"
	}

	var resp sendResponse
	m.pendingSends.Add(1)
	err = m.web.PostFormJSON(ctx, communityBaseURL+"/tradeoffer/new/send", form, referer, &resp)
	m.pendingSends.Add(-1)
	if err != nil {
		return 0, m.webError(err, http.StatusUnauthorized)
	}
	if resp.StrError != "" {
		return 0, ClassifyTradeError(resp.StrError)
	}
	if resp.TradeOfferID == "" {
		return 0, fmt.Errorf("%w: send response carries no tradeofferid", ErrMalformedResponse)
	}

	now := time.Now()
	offer.ID = resp.TradeOfferID
	offer.IsOurs = true
	offer.State = StateActive
	offer.CreatedAt = now
	offer.UpdatedAt = now
	offer.ExpiresAt = now.Add(offerLifetime)

	switch {
	case resp.NeedsMobileConfirmation:
		offer.State = StateCreatedNeedsConfirmation
		offer.ConfirmationMethod = ConfirmationMobile
	case resp.NeedsEmailConfirmation:
		offer.State = StateCreatedNeedsConfirmation
		offer.ConfirmationMethod = ConfirmationEmail
	}

	m.mu.Lock()
	m.pollData.Record(SideSent, offer.ID, offer.State, now.Unix())
	if offer.CancelAfter > 0 {
		m.pollData.SetCancelTime(offer.ID, offer.CancelAfter)
	}
	if offer.PendingCancelAfter > 0 {
		m.pollData.SetPendingCancelTime(offer.ID, offer.PendingCancelAfter)
	}
	m.mu.Unlock()
	m.persistPollData(ctx)

	m.logger.Info("manager.offer_sent",
		zap.String("offer_id", offer.ID),
		zap.String("state", offer.State.String()),
		zap.String("partner", offer.Partner.String()),
		zap.Int("items", offer.ItemCount()))
	return offer.State, nil
}

func buildSide(items []Asset) tradeSide {
	side := tradeSide{
		Assets:   make([]tradeAsset, 0, len(items)),
		Currency: make([]tradeAsset, 0),
	}
	for _, it := range items {
		side.Assets = append(side.Assets, tradeAsset{
			AppID:     it.AppID,
			ContextID: it.ContextID,
			Amount:    it.Amount,
			AssetID:   it.AssetID,
		})
	}
	return side
}

// Accept takes a received active offer. When skipRefresh is false the offer
// is re-fetched afterwards so the outcome reflects escrow holds; otherwise
// the outcome is derived from the accept response alone.
func (m *Manager) Accept(ctx context.Context, offer *Offer, skipRefresh bool) (AcceptOutcome, error) {
	if offer.ID == "" || offer.State != StateActive || offer.IsOurs {
		return "", fmt.Errorf("%w: can only accept a received offer in state Active, have %s", ErrInvalidState, offer.State)
	}
	if !m.session.Authenticated() {
		return "", ErrNotLoggedIn
	}

	form := url.Values{
		"sessionid":    {m.session.SessionID()},
		"serverid":     {"1"},
		"tradeofferid": {offer.ID},
		"partner":      {offer.Partner.String()},
		"captcha":      {""},
	}
	endpoint := communityBaseURL + "/tradeoffer/" + offer.ID + "/accept"
	referer := communityBaseURL + "/tradeoffer/" + offer.ID + "/"

	var resp acceptResponse
	if err := m.web.PostFormJSON(ctx, endpoint, form, referer, &resp); err != nil {
		return "", m.webError(err, http.StatusForbidden)
	}
	if resp.StrError != "" {
		return "", ClassifyTradeError(resp.StrError)
	}

	if resp.TradeID != "" {
		offer.TradeID = resp.TradeID
	}
	needsConf := resp.NeedsMobileConfirmation || resp.NeedsEmailConfirmation
	if resp.NeedsMobileConfirmation {
		offer.ConfirmationMethod = ConfirmationMobile
	} else if resp.NeedsEmailConfirmation {
		offer.ConfirmationMethod = ConfirmationEmail
	}

	m.logger.Info("manager.offer_accepted",
		zap.String("offer_id", offer.ID),
		zap.Bool("needs_confirmation", needsConf))
	m.pokePoll()

	if skipRefresh {
		if needsConf {
			return OutcomePending, nil
		}
		return OutcomeAccepted, nil
	}

	if err := m.Refresh(ctx, offer); err != nil {
		return "", err
	}
	switch {
	case offer.State == StateInEscrow:
		return OutcomeEscrow, nil
	case offer.State == StateAccepted:
		return OutcomeAccepted, nil
	case needsConf || offer.ConfirmationMethod != ConfirmationNone:
		return OutcomePending, nil
	default:
		return OutcomeAccepted, nil
	}
}

// Decline withdraws an offer: ours are canceled through the cancel verb,
// received ones declined. The offer must still be open.
func (m *Manager) Decline(ctx context.Context, offer *Offer) error {
	if offer.ID == "" || (offer.State != StateActive && offer.State != StateCreatedNeedsConfirmation) {
		return fmt.Errorf("%w: cannot decline offer in state %s", ErrInvalidState, offer.State)
	}

	var err error
	if offer.IsOurs {
		err = m.source.CancelOffer(ctx, offer.ID)
	} else {
		err = m.source.DeclineOffer(ctx, offer.ID)
	}
	if err != nil {
		return err
	}

	if offer.IsOurs {
		offer.State = StateCanceled
	} else {
		offer.State = StateDeclined
	}
	offer.UpdatedAt = time.Now()

	m.logger.Info("manager.offer_withdrawn",
		zap.String("offer_id", offer.ID),
		zap.String("state", offer.State.String()))
	m.pokePoll()
	return nil
}

// Cancel is Decline under the name used for our own offers.
func (m *Manager) Cancel(ctx context.Context, offer *Offer) error {
	return m.Decline(ctx, offer)
}

// Refresh re-reads the offer from the remote and overwrites its
// remote-derived fields in place.
func (m *Manager) Refresh(ctx context.Context, offer *Offer) error {
	if offer.ID == "" {
		return fmt.Errorf("%w: offer was never sent", ErrInvalidState)
	}
	fresh, err := m.source.Offer(ctx, offer.ID)
	if err != nil {
		return fmt.Errorf("load trade data for offer %s: %w", offer.ID, err)
	}
	applyRemote(offer, fresh)
	return nil
}

// applyRemote copies the remote's view into dst, preserving local-only
// fields (invite token, per-offer cancel overrides). TradeID is kept if the
// remote has not caught up to an acceptance we already know about.
func applyRemote(dst, src *Offer) {
	dst.Partner = src.Partner
	dst.Message = src.Message
	dst.State = src.State
	dst.ItemsToGive = src.ItemsToGive
	dst.ItemsToReceive = src.ItemsToReceive
	dst.IsOurs = src.IsOurs
	dst.CreatedAt = src.CreatedAt
	dst.UpdatedAt = src.UpdatedAt
	dst.ExpiresAt = src.ExpiresAt
	dst.FromRealTimeTrade = src.FromRealTimeTrade
	dst.ConfirmationMethod = src.ConfirmationMethod
	dst.EscrowEndsAt = src.EscrowEndsAt
	if src.TradeID != "" {
		dst.TradeID = src.TradeID
	}
}

// webError normalizes trade-endpoint failures. authStatus is the HTTP code
// this endpoint uses for a dead session (the send endpoint answers 401
// where accept answers 403). strError bodies inside HTTP errors are
// classified the same as ones inside 200 responses.
func (m *Manager) webError(err error, authStatus int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotLoggedIn) || errors.Is(err, ErrFamilyViewRestricted) {
		return m.NotifyAuthError(err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	if httpErr.Status == authStatus {
		return m.NotifyAuthError(fmt.Errorf("%w: http %d from trade endpoint", ErrNotLoggedIn, httpErr.Status))
	}
	var resp sendResponse
	if json.Unmarshal(httpErr.Body, &resp) == nil && resp.StrError != "" {
		return ClassifyTradeError(resp.StrError)
	}
	return err
}
