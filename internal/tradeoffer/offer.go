package tradeoffer

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/barterworks/steam-agent/internal/steamid"
)

// maxMessageLen is the remote's limit on offer messages.
const maxMessageLen = 128

// offerLifetime is how long the remote keeps a sent offer open.
const offerLifetime = 14 * 24 * time.Hour

// Asset is one item reference inside an offer. AssetID is unique per
// (AppID, ContextID). Name fields are filled only when description
// enrichment is enabled.
type Asset struct {
	AppID          int             `json:"appid"`
	ContextID      string          `json:"contextid"`
	AssetID        string          `json:"assetid"`
	ClassID        string          `json:"classid,omitempty"`
	InstanceID     string          `json:"instanceid,omitempty"`
	Amount         int             `json:"amount"`
	Name           string          `json:"name,omitempty"`
	MarketHashName string          `json:"market_hash_name,omitempty"`
	EstUSD         decimal.Decimal `json:"est_usd"`
}

// Offer is a proposed barter between our account and a partner. It is a
// plain value: all remote interaction goes through Manager methods, which
// take the offer as an argument.
//
// ID is empty until the remote acknowledges a send; every mutator fails
// after that point.
type Offer struct {
	ID                 string
	Partner            steamid.SteamID
	Message            string
	State              State
	ItemsToGive        []Asset
	ItemsToReceive     []Asset
	IsOurs             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          time.Time
	TradeID            string
	FromRealTimeTrade  bool
	ConfirmationMethod ConfirmationMethod
	EscrowEndsAt       time.Time
	Token              string
	CounteringID       string

	// Per-offer overrides for the manager's auto-cancel knobs. Zero means
	// "use the manager's value".
	CancelAfter        time.Duration
	PendingCancelAfter time.Duration
}

// NewOffer starts an empty offer to partner. token is the trade-invite token
// for partners we are not friends with; pass "" otherwise.
func NewOffer(partner steamid.SteamID, token string) (*Offer, error) {
	if !partner.IsIndividual() {
		return nil, fmt.Errorf("partner %s is not an individual account", partner)
	}
	return &Offer{
		Partner: partner,
		Token:   token,
	}, nil
}

func (o *Offer) mutable() error {
	if o.ID != "" {
		return fmt.Errorf("%w: offer %s already sent", ErrInvalidState, o.ID)
	}
	return nil
}

// SetMessage sets the message shown to the partner. Fails once sent or when
// the message exceeds the remote's length limit.
func (o *Offer) SetMessage(msg string) error {
	if err := o.mutable(); err != nil {
		return err
	}
	if utf8.RuneCountInString(msg) > maxMessageLen {
		return fmt.Errorf("message exceeds %d characters", maxMessageLen)
	}
	o.Message = msg
	return nil
}

// SetToken sets the trade-invite token. Fails once sent.
func (o *Offer) SetToken(token string) error {
	if err := o.mutable(); err != nil {
		return err
	}
	o.Token = token
	return nil
}

// AddItemToGive appends an asset to our side. A zero Amount is normalized
// to 1; negative amounts are rejected.
func (o *Offer) AddItemToGive(a Asset) error {
	return addItem(o, &o.ItemsToGive, a)
}

// AddItemToReceive appends an asset to the partner's side.
func (o *Offer) AddItemToReceive(a Asset) error {
	return addItem(o, &o.ItemsToReceive, a)
}

func addItem(o *Offer, side *[]Asset, a Asset) error {
	if err := o.mutable(); err != nil {
		return err
	}
	if a.Amount < 0 {
		return fmt.Errorf("asset %s: amount must be >= 1", a.AssetID)
	}
	if a.Amount == 0 {
		a.Amount = 1
	}
	if a.AssetID == "" || a.ContextID == "" || a.AppID == 0 {
		return fmt.Errorf("asset missing appid, contextid or assetid")
	}
	*side = append(*side, a)
	return nil
}

// RemoveItemToGive removes the first asset on our side matching a's
// (AppID, ContextID, AssetID). Returns false when no such item exists.
func (o *Offer) RemoveItemToGive(a Asset) (bool, error) {
	return removeItem(o, &o.ItemsToGive, a)
}

// RemoveItemToReceive removes the first matching asset on the partner's side.
func (o *Offer) RemoveItemToReceive(a Asset) (bool, error) {
	return removeItem(o, &o.ItemsToReceive, a)
}

func removeItem(o *Offer, side *[]Asset, a Asset) (bool, error) {
	if err := o.mutable(); err != nil {
		return false, err
	}
	for i, it := range *side {
		if it.AppID == a.AppID && it.ContextID == a.ContextID && it.AssetID == a.AssetID {
			*side = append((*side)[:i], (*side)[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ItemCount returns the total number of assets across both sides.
func (o *Offer) ItemCount() int {
	return len(o.ItemsToGive) + len(o.ItemsToReceive)
}

// IsGlitched reports whether the remote served a partial view of a sent
// offer: both item sides empty, or, when requireNames is set (description
// enrichment on), any item missing its display name. Glitched offers must
// not update the store so the next poll retries them.
func (o *Offer) IsGlitched(requireNames bool) bool {
	if o.ID == "" {
		return false
	}
	if o.ItemCount() == 0 {
		return true
	}
	if requireNames {
		for _, it := range o.ItemsToGive {
			if it.Name == "" {
				return true
			}
		}
		for _, it := range o.ItemsToReceive {
			if it.Name == "" {
				return true
			}
		}
	}
	return false
}
