package tradeoffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollDataRecordAndStateFor(t *testing.T) {
	d := NewPollData()
	d.Record(SideSent, "A", StateActive, 100)
	d.Record(SideReceived, "B", StateAccepted, 200)

	st, ok := d.StateFor(SideSent, "A")
	assert.True(t, ok)
	assert.Equal(t, StateActive, st)

	st, ok = d.StateFor(SideReceived, "B")
	assert.True(t, ok)
	assert.Equal(t, StateAccepted, st)

	_, ok = d.StateFor(SideSent, "B")
	assert.False(t, ok, "sides are independent")

	assert.Equal(t, int64(100), d.Timestamps["A"])
	assert.Equal(t, int64(200), d.Timestamps["B"])
}

func TestPollDataDeleteAll(t *testing.T) {
	d := NewPollData()
	d.Record(SideSent, "A", StateActive, 100)
	d.SetCancelTime("A", time.Minute)
	d.SetPendingCancelTime("A", time.Minute)

	d.DeleteAll("A")

	_, ok := d.StateFor(SideSent, "A")
	assert.False(t, ok)
	assert.Empty(t, d.Timestamps)
	assert.Empty(t, d.CancelTimes)
	assert.Empty(t, d.PendingCancelTimes)
}

func TestPollDataPrune(t *testing.T) {
	d := NewPollData()
	d.OffersSince = 10000

	d.Record(SideSent, "old-terminal", StateDeclined, 8000)
	d.Record(SideSent, "recent-terminal", StateCanceled, 9000)
	d.Record(SideSent, "old-accepted", StateAccepted, 8000)
	d.Record(SideReceived, "old-active", StateActive, 8000)
	d.Record(SideReceived, "old-escrow", StateInEscrow, 8000)
	d.SetCancelTime("old-terminal", time.Minute)

	pruned := d.Prune()
	assert.Equal(t, 2, pruned)

	_, ok := d.StateFor(SideSent, "old-terminal")
	assert.False(t, ok)
	assert.NotContains(t, d.Timestamps, "old-terminal")
	assert.NotContains(t, d.CancelTimes, "old-terminal")

	// Active entries age out too: active-only fetches re-deliver live ones.
	_, ok = d.StateFor(SideReceived, "old-active")
	assert.False(t, ok)

	// Inside the margin, or in a state that can still change: kept.
	_, ok = d.StateFor(SideSent, "recent-terminal")
	assert.True(t, ok)
	_, ok = d.StateFor(SideSent, "old-accepted")
	assert.True(t, ok, "accepted offers can still roll into escrow and stay tracked")
	_, ok = d.StateFor(SideReceived, "old-escrow")
	assert.True(t, ok)
}

func TestPollDataPruneWithoutCutoff(t *testing.T) {
	d := NewPollData()
	d.Record(SideSent, "A", StateDeclined, 1)
	assert.Zero(t, d.Prune(), "no pruning before the first cutoff is known")
}

func TestPollDataMergePrefersInMemory(t *testing.T) {
	mem := NewPollData()
	mem.Record(SideSent, "both", StateAccepted, 2000)
	mem.SetCancelTime("both", 2*time.Minute)
	mem.OffersSince = 500

	loaded := NewPollData()
	loaded.Record(SideSent, "both", StateActive, 1000)
	loaded.Record(SideSent, "disk", StateActive, 1500)
	loaded.Record(SideReceived, "rdisk", StateAccepted, 1600)
	loaded.SetCancelTime("both", time.Minute)
	loaded.SetPendingCancelTime("disk", time.Minute)
	loaded.OffersSince = 900

	mem.Merge(loaded)

	assert.Equal(t, StateAccepted, mem.Sent["both"], "live observation wins")
	assert.Equal(t, int64(2000), mem.Timestamps["both"])
	assert.Equal(t, 2*time.Minute, mem.CancelTimes["both"])

	assert.Equal(t, StateActive, mem.Sent["disk"])
	assert.Equal(t, StateAccepted, mem.Received["rdisk"])
	assert.Equal(t, time.Minute, mem.PendingCancelTimes["disk"])

	assert.Equal(t, int64(900), mem.OffersSince, "cutoff takes the max")
}

func TestPollDataMergeKeepsLargerCutoff(t *testing.T) {
	mem := NewPollData()
	mem.OffersSince = 900
	loaded := NewPollData()
	loaded.OffersSince = 500

	mem.Merge(loaded)
	assert.Equal(t, int64(900), mem.OffersSince)

	mem.Merge(nil) // tolerated
	assert.Equal(t, int64(900), mem.OffersSince)
}

func TestPollDataMergeNormalizesLoaded(t *testing.T) {
	mem := NewPollData()
	// A deserialized payload may carry nil maps.
	mem.Merge(&PollData{OffersSince: 700})
	assert.Equal(t, int64(700), mem.OffersSince)
}

func TestPollDataClone(t *testing.T) {
	d := NewPollData()
	d.Record(SideSent, "A", StateActive, 100)
	d.SetCancelTime("A", time.Minute)
	d.OffersSince = 42

	c := d.Clone()
	c.Record(SideSent, "B", StateActive, 200)
	c.Sent["A"] = StateCanceled
	c.CancelTimes["A"] = time.Hour

	assert.Equal(t, StateActive, d.Sent["A"])
	assert.NotContains(t, d.Sent, "B")
	assert.Equal(t, time.Minute, d.CancelTimes["A"])
	assert.Equal(t, int64(42), c.OffersSince)
}

func TestOfferSideString(t *testing.T) {
	assert.Equal(t, "sent", SideSent.String())
	assert.Equal(t, "received", SideReceived.String())
}
