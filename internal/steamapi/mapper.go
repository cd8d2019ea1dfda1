package steamapi

import (
	"strconv"
	"time"

	"github.com/barterworks/steam-agent/internal/steamid"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

// descIndex resolves item descriptions, preferring the ones attached to the
// current response and falling back to the shared cache.
type descIndex struct {
	local map[string]descriptionDTO
	cache *DescriptionCache
}

func (ix *descIndex) lookup(appID int, classID, instanceID string) (descriptionDTO, bool) {
	key := descKey(appID, classID, instanceID)
	if d, ok := ix.local[key]; ok {
		return d, true
	}
	if ix.cache != nil {
		return ix.cache.get(key)
	}
	return descriptionDTO{}, false
}

// indexDescriptions builds a per-response lookup and feeds the shared cache
// so later fetches can resolve names their own response omitted.
func (c *Client) indexDescriptions(descs []*descriptionDTO) *descIndex {
	ix := &descIndex{cache: c.descs}
	if len(descs) == 0 {
		return ix
	}
	ix.local = make(map[string]descriptionDTO, len(descs))
	for _, d := range descs {
		if d == nil {
			continue
		}
		key := descKey(d.AppID, d.ClassID, d.InstanceID)
		ix.local[key] = *d
		if c.descs != nil {
			c.descs.put(key, *d)
		}
	}
	return ix
}

func mapOffer(dto *offerDTO, ix *descIndex) *tradeoffer.Offer {
	o := &tradeoffer.Offer{
		ID:                 dto.TradeOfferID,
		Partner:            steamid.New(dto.AccountIDOther),
		Message:            dto.Message,
		State:              tradeoffer.State(dto.TradeOfferState),
		ItemsToGive:        mapAssets(dto.ItemsToGive, ix),
		ItemsToReceive:     mapAssets(dto.ItemsToReceive, ix),
		IsOurs:             dto.IsOurOffer,
		TradeID:            dto.TradeID,
		FromRealTimeTrade:  dto.FromRealTimeTrade,
		ConfirmationMethod: tradeoffer.ConfirmationMethod(dto.ConfirmationMethod),
	}
	if dto.TimeCreated > 0 {
		o.CreatedAt = time.Unix(dto.TimeCreated, 0)
	}
	if dto.TimeUpdated > 0 {
		o.UpdatedAt = time.Unix(dto.TimeUpdated, 0)
	}
	if dto.ExpirationTime > 0 {
		o.ExpiresAt = time.Unix(dto.ExpirationTime, 0)
	}
	if dto.EscrowEndDate > 0 {
		o.EscrowEndsAt = time.Unix(dto.EscrowEndDate, 0)
	}
	return o
}

func mapAssets(dtos []assetDTO, ix *descIndex) []tradeoffer.Asset {
	if len(dtos) == 0 {
		return nil
	}
	out := make([]tradeoffer.Asset, 0, len(dtos))
	for _, d := range dtos {
		if d.Missing {
			continue
		}
		a := tradeoffer.Asset{
			AppID:      d.AppID,
			ContextID:  d.ContextID,
			AssetID:    d.AssetID,
			ClassID:    d.ClassID,
			InstanceID: d.InstanceID,
			Amount:     parseAmount(d.Amount),
		}
		if desc, ok := ix.lookup(d.AppID, d.ClassID, d.InstanceID); ok {
			a.Name = desc.Name
			a.MarketHashName = desc.MarketHashName
		}
		out = append(out, a)
	}
	return out
}

// parseAmount tolerates the API's habit of serializing stack sizes as
// strings. Unparseable or absent amounts count as a single item.
func parseAmount(s string) int {
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func oldestNonTerminal(sides ...[]*tradeoffer.Offer) int64 {
	var oldest int64
	for _, side := range sides {
		for _, o := range side {
			if o.State.Terminal() || o.UpdatedAt.IsZero() {
				continue
			}
			if ts := o.UpdatedAt.Unix(); oldest == 0 || ts < oldest {
				oldest = ts
			}
		}
	}
	return oldest
}

// Trade is the asset-movement record behind an accepted offer, keyed by the
// trade id the offer gains once it completes.
type Trade struct {
	TradeID        string
	Partner        steamid.SteamID
	Status         int
	InitiatedAt    time.Time
	AssetsGiven    []TradedAsset
	AssetsReceived []TradedAsset
}

// TradedAsset is one item after the exchange. NewAssetID is the id the item
// carries in its destination inventory.
type TradedAsset struct {
	AppID      int
	ContextID  string
	AssetID    string
	NewAssetID string
	Amount     int
}

func mapTrade(dto *tradeDTO) *Trade {
	t := &Trade{
		TradeID: dto.TradeID,
		Status:  dto.Status,
	}
	if id, err := steamid.Parse(dto.SteamID); err == nil {
		t.Partner = id
	}
	if dto.TimeInit > 0 {
		t.InitiatedAt = time.Unix(dto.TimeInit, 0)
	}
	for _, a := range dto.AssetsOut {
		t.AssetsGiven = append(t.AssetsGiven, TradedAsset{
			AppID:      a.AppID,
			ContextID:  a.ContextID,
			AssetID:    a.AssetID,
			NewAssetID: a.NewAssetID,
			Amount:     parseAmount(a.Amount),
		})
	}
	for _, a := range dto.AssetsIn {
		t.AssetsReceived = append(t.AssetsReceived, TradedAsset{
			AppID:      a.AppID,
			ContextID:  a.ContextID,
			AssetID:    a.AssetID,
			NewAssetID: a.NewAssetID,
			Amount:     parseAmount(a.Amount),
		})
	}
	return t
}
