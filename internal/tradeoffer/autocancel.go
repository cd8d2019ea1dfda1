package tradeoffer

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
)

// Auto-cancel policies. Pure predicates over one returned offer, the poll
// bookkeeping and the clock; the tick applies them to every returned sent
// offer independently of the diff walk.

// shouldCancelActive: the offer is still open and has not moved for at
// least deadline.
func shouldCancelActive(o *Offer, deadline time.Duration, now time.Time) bool {
	return o.State == StateActive && deadline > 0 && now.Sub(o.UpdatedAt) >= deadline
}

// shouldCancelPending: the offer has waited on its second factor since
// creation for at least deadline.
func shouldCancelPending(o *Offer, deadline time.Duration, now time.Time) bool {
	return o.State == StateCreatedNeedsConfirmation && deadline > 0 && now.Sub(o.CreatedAt) >= deadline
}

// effectiveCancelTime resolves the age deadline for one offer: per-offer
// override first, manager knob second.
func (m *Manager) effectiveCancelTime(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.pollData.CancelTimes[id]; ok {
		return v
	}
	return m.cfg.CancelTime
}

func (m *Manager) effectivePendingCancelTime(id string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.pollData.PendingCancelTimes[id]; ok {
		return v
	}
	return m.cfg.PendingCancelTime
}

// applyAutoCancel runs both age policies against one returned sent offer.
// A cancel failure is logged and left for the next tick; the offer is not
// marked terminal locally.
func (m *Manager) applyAutoCancel(ctx context.Context, o *Offer, now time.Time) {
	if shouldCancelActive(o, m.effectiveCancelTime(o.ID), now) {
		if m.cancelForPolicy(ctx, o, CancelReasonTime) {
			m.emit(Event{Type: EventSentOfferCanceled, Offer: o, Reason: CancelReasonTime})
		}
		return
	}
	if shouldCancelPending(o, m.effectivePendingCancelTime(o.ID), now) {
		if m.cancelForPolicy(ctx, o, CancelReasonTime) {
			m.emit(Event{Type: EventSentPendingOfferCanceled, Offer: o})
		}
	}
}

// applyQuotaTrim enforces the outstanding-offer cap: the union of returned
// active sent offers and active entries remembered in the bookkeeping is
// trimmed oldest-first (by recorded timestamp) down to the cap. Offers
// younger than the min-age floor are spared.
func (m *Manager) applyQuotaTrim(ctx context.Context, sent []*Offer, now time.Time) {
	if m.cfg.CancelOfferCount <= 0 || m.cfg.DisableQuotaTrim {
		return
	}

	byID := make(map[string]*Offer)
	for _, o := range sent {
		if o.ID != "" && o.State == StateActive {
			byID[o.ID] = o
		}
	}

	m.mu.Lock()
	for id, st := range m.pollData.Sent {
		if st != StateActive {
			continue
		}
		if _, ok := byID[id]; !ok {
			// Remembered but absent from this page; synthesize enough of an
			// offer for the cancel call and the event payload.
			byID[id] = &Offer{
				ID:        id,
				State:     StateActive,
				IsOurs:    true,
				UpdatedAt: time.Unix(m.pollData.Timestamps[id], 0),
			}
		}
	}
	stamps := make(map[string]int64, len(byID))
	for id := range byID {
		stamps[id] = m.pollData.Timestamps[id]
	}
	m.mu.Unlock()

	excess := len(byID) - m.cfg.CancelOfferCount
	if excess <= 0 {
		return
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return stamps[ids[i]] < stamps[ids[j]] })

	canceled := 0
	for _, id := range ids {
		if canceled >= excess {
			break
		}
		if m.cfg.CancelOfferCountMinAge > 0 &&
			now.Sub(time.Unix(stamps[id], 0)) < m.cfg.CancelOfferCountMinAge {
			continue
		}
		o := byID[id]
		if m.cancelForPolicy(ctx, o, CancelReasonQuota) {
			canceled++
			m.emit(Event{Type: EventSentOfferCanceled, Offer: o, Reason: CancelReasonQuota})
		}
	}
}

// cancelForPolicy performs the remote cancel for an auto-cancel decision
// and clears the offer's time overrides on success. The offer is marked
// canceled locally so the emitted event carries the post-cancel state; the
// bookkeeping still holds the pre-cancel state, so the next tick reports
// the transition as a sent_offer_changed like any other remote move.
func (m *Manager) cancelForPolicy(ctx context.Context, o *Offer, reason CancelReason) bool {
	if err := m.source.CancelOffer(ctx, o.ID); err != nil {
		metrics.IncError("poller", "auto_cancel")
		m.logger.Warn("poller.auto_cancel_failed",
			zap.String("offer_id", o.ID),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return false
	}
	o.State = StateCanceled
	o.UpdatedAt = time.Now()
	m.mu.Lock()
	m.pollData.DeleteTimeProps(o.ID)
	m.mu.Unlock()
	m.logger.Info("poller.auto_canceled",
		zap.String("offer_id", o.ID),
		zap.String("reason", string(reason)))
	return true
}
