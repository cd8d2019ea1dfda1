package confirmation

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

// lostAuthMarker appears in the confirmation page when the mobile session is
// no longer honored: the page script redirects to this scheme URL.
const lostAuthMarker = "steammobile://lostauth"

// Type is the kind of action a confirmation authorizes.
type Type int

const (
	TypeTrade         Type = 2
	TypeMarketListing Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeTrade:
		return "trade"
	case TypeMarketListing:
		return "market_listing"
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Entry is one pending mobile confirmation. ID and Key identify the
// confirmation to the answer endpoints; Creator links it back to the thing
// it authorizes, typically an offer id for trades.
type Entry struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Creator   string `json:"creator"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	Receiving string `json:"receiving"`
	TimeText  string `json:"time"`
	IconURL   string `json:"icon_url,omitempty"`
}

var amountPattern = regexp.MustCompile(`[0-9][0-9.,]*`)

// ReceivingAmount parses the money amount out of the receiving line of a
// market-listing confirmation ("You will receive 12,34€ ..."). Returns false
// when the line carries no amount.
func (e *Entry) ReceivingAmount() (decimal.Decimal, bool) {
	raw := strings.TrimRight(amountPattern.FindString(e.Receiving), ".,")
	if raw == "" {
		return decimal.Zero, false
	}

	// Locale juggling: whichever separator appears last is the decimal
	// point, the other one groups thousands.
	lastDot := strings.LastIndexByte(raw, '.')
	lastComma := strings.LastIndexByte(raw, ',')
	switch {
	case lastComma > lastDot:
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.Replace(raw, ",", ".", 1)
	default:
		raw = strings.ReplaceAll(raw, ",", "")
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// parseList extracts the pending confirmations from the conf endpoint's HTML.
// A nil error with an empty slice means the account simply has nothing to
// confirm.
func parseList(body []byte) ([]*Entry, error) {
	if bytes.Contains(body, []byte(lostAuthMarker)) {
		return nil, fmt.Errorf("confirmation list: %w", tradeoffer.ErrNotLoggedIn)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tradeoffer.ErrMalformedResponse, err)
	}

	if empty := doc.Find("#mobileconf_empty"); empty.Length() > 0 {
		if !empty.HasClass("mobileconf_done") {
			return []*Entry{}, nil
		}
		msg := strings.TrimSpace(empty.Find("div").Eq(1).Text())
		if msg == "" {
			msg = "unspecified error"
		}
		return nil, fmt.Errorf("confirmation list: %s", msg)
	}

	var entries []*Entry
	var entryErr error
	doc.Find("div.mobileconf_list_entry").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		e, err := parseEntry(s)
		if err != nil {
			entryErr = err
			return false
		}
		entries = append(entries, e)
		return true
	})
	if entryErr != nil {
		return nil, entryErr
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return entries, nil
}

func parseEntry(s *goquery.Selection) (*Entry, error) {
	id, okID := s.Attr("data-confid")
	typeStr, okType := s.Attr("data-type")
	creator, okCreator := s.Attr("data-creator")
	key, okKey := s.Attr("data-key")
	if !okID || !okType || !okCreator || !okKey {
		return nil, fmt.Errorf("%w: confirmation entry missing data attributes", tradeoffer.ErrMalformedResponse)
	}

	typ, _ := strconv.Atoi(typeStr)
	e := &Entry{
		ID:      id,
		Type:    Type(typ),
		Creator: creator,
		Key:     key,
	}

	desc := s.Find("div.mobileconf_list_entry_description > div")
	e.Title = strings.TrimSpace(desc.Eq(0).Text())
	e.Receiving = strings.TrimSpace(desc.Eq(1).Text())
	e.TimeText = strings.TrimSpace(desc.Eq(2).Text())

	if img := s.Find("img").First(); img.Length() > 0 {
		e.IconURL, _ = img.Attr("src")
	}
	return e, nil
}
