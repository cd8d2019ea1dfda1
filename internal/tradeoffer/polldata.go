package tradeoffer

import (
	"context"
	"time"
)

// backdateMargin is the server-side tolerance for backdated offer updates,
// in seconds. The delta-poll cutoff is biased this far into the past, and
// terminal entries are only pruned once they fall behind the cutoff by the
// same margin.
const backdateMargin int64 = 1800

// OfferSide distinguishes the two direction maps in PollData.
type OfferSide int

const (
	SideSent OfferSide = iota
	SideReceived
)

func (s OfferSide) String() string {
	if s == SideSent {
		return "sent"
	}
	return "received"
}

// PollData is the poller's persistent bookkeeping: last-seen state per offer
// id, last-seen update time, per-offer cancel overrides, and the historical
// cutoff for the next delta poll. It survives restarts through the Storage
// callbacks so that no lifecycle event is emitted twice for the same
// transition.
//
// PollData itself is not goroutine safe; the Manager serializes access.
type PollData struct {
	Sent               map[string]State         `json:"sent"`
	Received           map[string]State         `json:"received"`
	Timestamps         map[string]int64         `json:"timestamps"`
	CancelTimes        map[string]time.Duration `json:"cancel_times"`
	PendingCancelTimes map[string]time.Duration `json:"pending_cancel_times"`
	OffersSince        int64                    `json:"offers_since"`
}

// NewPollData returns an empty PollData with all maps allocated.
func NewPollData() *PollData {
	return &PollData{
		Sent:               make(map[string]State),
		Received:           make(map[string]State),
		Timestamps:         make(map[string]int64),
		CancelTimes:        make(map[string]time.Duration),
		PendingCancelTimes: make(map[string]time.Duration),
	}
}

// normalize allocates any maps left nil by deserialization.
func (d *PollData) normalize() {
	if d.Sent == nil {
		d.Sent = make(map[string]State)
	}
	if d.Received == nil {
		d.Received = make(map[string]State)
	}
	if d.Timestamps == nil {
		d.Timestamps = make(map[string]int64)
	}
	if d.CancelTimes == nil {
		d.CancelTimes = make(map[string]time.Duration)
	}
	if d.PendingCancelTimes == nil {
		d.PendingCancelTimes = make(map[string]time.Duration)
	}
}

// Record stores the last-seen state and update time for an offer.
func (d *PollData) Record(side OfferSide, id string, state State, updatedAt int64) {
	if side == SideSent {
		d.Sent[id] = state
	} else {
		d.Received[id] = state
	}
	d.Timestamps[id] = updatedAt
}

// StateFor returns the recorded state for an offer on the given side.
func (d *PollData) StateFor(side OfferSide, id string) (State, bool) {
	if side == SideSent {
		s, ok := d.Sent[id]
		return s, ok
	}
	s, ok := d.Received[id]
	return s, ok
}

// SetCancelTime sets the per-offer override for age-based cancellation.
func (d *PollData) SetCancelTime(id string, v time.Duration) {
	d.CancelTimes[id] = v
}

// SetPendingCancelTime sets the per-offer override for unconfirmed-offer
// cancellation.
func (d *PollData) SetPendingCancelTime(id string, v time.Duration) {
	d.PendingCancelTimes[id] = v
}

// DeleteTimeProps drops both cancel overrides for an offer.
func (d *PollData) DeleteTimeProps(id string) {
	delete(d.CancelTimes, id)
	delete(d.PendingCancelTimes, id)
}

// DeleteAll forgets an offer entirely.
func (d *PollData) DeleteAll(id string) {
	delete(d.Sent, id)
	delete(d.Received, id)
	delete(d.Timestamps, id)
	d.DeleteTimeProps(id)
}

// Prune drops every offer whose recorded state is terminal and whose
// timestamp has fallen behind the cutoff by more than the backdate margin.
// Such offers can no longer appear in a delta poll, so keeping them only
// grows the persisted payload. Returns the number of entries removed.
func (d *PollData) Prune() int {
	if d.OffersSince == 0 {
		return 0
	}
	cutoff := d.OffersSince - backdateMargin
	pruned := 0
	for _, side := range []map[string]State{d.Sent, d.Received} {
		for id, state := range side {
			if state.Terminal() && d.Timestamps[id] < cutoff {
				d.DeleteAll(id)
				pruned++
			}
		}
	}
	return pruned
}

// Merge folds loaded into d. Values already present in d win: anything the
// process observed before the lazy load is fresher than what was persisted
// by a previous run.
func (d *PollData) Merge(loaded *PollData) {
	if loaded == nil {
		return
	}
	loaded.normalize()
	for id, st := range loaded.Sent {
		if _, ok := d.Sent[id]; !ok {
			d.Sent[id] = st
		}
	}
	for id, st := range loaded.Received {
		if _, ok := d.Received[id]; !ok {
			d.Received[id] = st
		}
	}
	for id, ts := range loaded.Timestamps {
		if _, ok := d.Timestamps[id]; !ok {
			d.Timestamps[id] = ts
		}
	}
	for id, v := range loaded.CancelTimes {
		if _, ok := d.CancelTimes[id]; !ok {
			d.CancelTimes[id] = v
		}
	}
	for id, v := range loaded.PendingCancelTimes {
		if _, ok := d.PendingCancelTimes[id]; !ok {
			d.PendingCancelTimes[id] = v
		}
	}
	if loaded.OffersSince > d.OffersSince {
		d.OffersSince = loaded.OffersSince
	}
}

// Clone returns a deep copy, used to snapshot under lock before persisting.
func (d *PollData) Clone() *PollData {
	c := NewPollData()
	for id, st := range d.Sent {
		c.Sent[id] = st
	}
	for id, st := range d.Received {
		c.Received[id] = st
	}
	for id, ts := range d.Timestamps {
		c.Timestamps[id] = ts
	}
	for id, v := range d.CancelTimes {
		c.CancelTimes[id] = v
	}
	for id, v := range d.PendingCancelTimes {
		c.PendingCancelTimes[id] = v
	}
	c.OffersSince = d.OffersSince
	return c
}

// Storage persists PollData across restarts, keyed by account name.
// LoadPollData returns (nil, nil) when nothing was saved yet; that is not
// an error. Implementations live in internal/storage.
type Storage interface {
	LoadPollData(ctx context.Context, account string) (*PollData, error)
	SavePollData(ctx context.Context, account string, data *PollData) error
}
