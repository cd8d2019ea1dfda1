package tradeoffer

import "time"

// EventType enumerates everything the offer engine reports. Consumers can
// switch exhaustively instead of matching on event-name strings.
type EventType int

const (
	EventPollSuccess EventType = iota
	EventPollFailure
	EventNewOffer
	EventSentOfferChanged
	EventReceivedOfferChanged
	EventUnknownOfferSent
	EventSentOfferCanceled
	EventSentPendingOfferCanceled
	EventRealTimeTradeConfirmationRequired
	EventRealTimeTradeCompleted
	EventSessionExpired
	EventFamilyViewRestricted
	EventDebug
)

var eventNames = map[EventType]string{
	EventPollSuccess:                       "poll_success",
	EventPollFailure:                       "poll_failure",
	EventNewOffer:                          "new_offer",
	EventSentOfferChanged:                  "sent_offer_changed",
	EventReceivedOfferChanged:              "received_offer_changed",
	EventUnknownOfferSent:                  "unknown_offer_sent",
	EventSentOfferCanceled:                 "sent_offer_canceled",
	EventSentPendingOfferCanceled:          "sent_pending_offer_canceled",
	EventRealTimeTradeConfirmationRequired: "realtime_trade_confirmation_required",
	EventRealTimeTradeCompleted:            "realtime_trade_completed",
	EventSessionExpired:                    "session_expired",
	EventFamilyViewRestricted:              "family_view_restricted",
	EventDebug:                             "debug",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// CancelReason names which auto-cancel policy targeted an offer.
type CancelReason string

const (
	CancelReasonTime  CancelReason = "cancelTime"
	CancelReasonQuota CancelReason = "cancelOfferCount"
)

// Event is one notification from the offer engine. Which fields are set
// depends on Type: offer events carry Offer (and PrevState for changes),
// cancellations carry Reason, failures carry Err, debug carries Message.
type Event struct {
	Type      EventType
	Offer     *Offer
	PrevState State
	Reason    CancelReason
	Err       error
	Message   string
	At        time.Time
}

// Listener receives events synchronously, in observation order, from
// whichever goroutine produced them. It must not block; slow consumers
// should use Subscribe instead.
type Listener func(Event)
