package steamapi

// Wire shapes of the IEconService responses. Numeric asset fields arrive as
// strings; the mapper parses them.

type offerDTO struct {
	TradeOfferID       string     `json:"tradeofferid"`
	AccountIDOther     uint32     `json:"accountid_other"`
	Message            string     `json:"message"`
	ExpirationTime     int64      `json:"expiration_time"`
	TradeOfferState    int        `json:"trade_offer_state"`
	ItemsToGive        []assetDTO `json:"items_to_give"`
	ItemsToReceive     []assetDTO `json:"items_to_receive"`
	IsOurOffer         bool       `json:"is_our_offer"`
	TimeCreated        int64      `json:"time_created"`
	TimeUpdated        int64      `json:"time_updated"`
	FromRealTimeTrade  bool       `json:"from_real_time_trade"`
	EscrowEndDate      int64      `json:"escrow_end_date"`
	ConfirmationMethod int        `json:"confirmation_method"`
	TradeID            string     `json:"tradeid"`
}

func (o *offerDTO) empty() bool {
	return len(o.ItemsToGive)+len(o.ItemsToReceive) == 0
}

type assetDTO struct {
	AppID      int    `json:"appid"`
	ContextID  string `json:"contextid"`
	AssetID    string `json:"assetid"`
	ClassID    string `json:"classid"`
	InstanceID string `json:"instanceid"`
	Amount     string `json:"amount"`
	Missing    bool   `json:"missing"`
}

type descriptionDTO struct {
	AppID          int    `json:"appid"`
	ClassID        string `json:"classid"`
	InstanceID     string `json:"instanceid"`
	Name           string `json:"name"`
	MarketHashName string `json:"market_hash_name"`
	Type           string `json:"type"`
	IconURL        string `json:"icon_url"`
}

type getTradeOffersEnvelope struct {
	Response *struct {
		TradeOffersSent     []*offerDTO       `json:"trade_offers_sent"`
		TradeOffersReceived []*offerDTO       `json:"trade_offers_received"`
		Descriptions        []*descriptionDTO `json:"descriptions"`
	} `json:"response"`
}

type getTradeOfferEnvelope struct {
	Response *struct {
		Offer        *offerDTO         `json:"offer"`
		Descriptions []*descriptionDTO `json:"descriptions"`
	} `json:"response"`
}

type tradeAssetDTO struct {
	AppID      int    `json:"appid"`
	ContextID  string `json:"contextid"`
	AssetID    string `json:"assetid"`
	Amount     string `json:"amount"`
	NewAssetID string `json:"new_assetid"`
}

type tradeDTO struct {
	TradeID   string          `json:"tradeid"`
	SteamID   string          `json:"steamid_other"`
	TimeInit  int64           `json:"time_init"`
	Status    int             `json:"status"`
	AssetsOut []tradeAssetDTO `json:"assets_given"`
	AssetsIn  []tradeAssetDTO `json:"assets_received"`
}

type getTradeStatusEnvelope struct {
	Response *struct {
		Trades       []*tradeDTO       `json:"trades"`
		Descriptions []*descriptionDTO `json:"descriptions"`
	} `json:"response"`
}
