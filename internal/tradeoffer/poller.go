package tradeoffer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
)

// minPollInterval is the floor between tick starts. A tick requested sooner
// is skipped and the next scheduled one moved up to the floor instead.
const minPollInterval = time.Second

// fullUpdateWindow is how far back a full (non-delta) poll reaches.
const fullUpdateWindow = 6 * 30 * 24 * time.Hour

// Start begins automatic polling under ctx and fires the first tick
// immediately. With a negative PollInterval nothing is scheduled and the
// host drives Poll itself.
func (m *Manager) Start(ctx context.Context) {
	m.pollMu.Lock()
	m.baseCtx = ctx
	m.stopped = false
	m.schedulePollLocked(0)
	m.pollMu.Unlock()
	m.logger.Info("poller.started",
		zap.Duration("interval", m.cfg.PollInterval),
		zap.Bool("auto", m.cfg.PollInterval >= 0))
}

// Stop suppresses future ticks and waits for an in-flight one to finish.
// Offer verbs keep working after Stop; only the loop goes quiet.
func (m *Manager) Stop() {
	m.pollMu.Lock()
	m.stopped = true
	if m.pollTimer != nil {
		m.pollTimer.Stop()
		m.pollTimer = nil
	}
	done := m.pollDone
	m.pollMu.Unlock()

	if done != nil {
		<-done
	}
	m.logger.Info("poller.stopped")
}

// schedulePollLocked arms the tick timer d from now, replacing any armed
// timer. Callers hold pollMu.
func (m *Manager) schedulePollLocked(d time.Duration) {
	if m.stopped || m.cfg.PollInterval < 0 {
		return
	}
	if m.pollTimer != nil {
		m.pollTimer.Stop()
	}
	m.pollTimer = time.AfterFunc(d, func() { m.Poll(false) })
}

// pokePoll asks for a near-immediate tick after an offer verb so its effect
// is observed without waiting out the interval.
func (m *Manager) pokePoll() {
	go m.Poll(false)
}

// Poll runs one reconcile tick. Exactly one tick runs at a time: a call
// while another is in flight returns immediately, and a call inside the
// rate floor of the previous tick start is skipped with the next scheduled
// tick moved up. fullUpdate forces the six-month window instead of the
// delta cutoff.
func (m *Manager) Poll(fullUpdate bool) {
	m.pollMu.Lock()
	if m.polling {
		m.pollMu.Unlock()
		return
	}
	if !m.lastPollStart.IsZero() {
		if elapsed := time.Since(m.lastPollStart); elapsed < minPollInterval {
			m.schedulePollLocked(minPollInterval - elapsed)
			m.pollMu.Unlock()
			return
		}
	}
	m.polling = true
	m.lastPollStart = time.Now()
	done := make(chan struct{})
	m.pollDone = done
	ctx := m.baseCtx
	m.pollMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	if m.Ready() {
		start := time.Now()
		err := m.tick(ctx, fullUpdate)
		metrics.ObserveDuration(metrics.PollDuration, start)
		if err != nil {
			metrics.IncPoll("failure")
			m.logger.Warn("poller.tick_failed", zap.Error(err))
			m.emit(Event{Type: EventPollFailure, Err: err})
		} else {
			metrics.IncPoll("success")
			metrics.SetLastPoll(time.Now())
			m.emit(Event{Type: EventPollSuccess})
		}
	} else {
		metrics.IncPoll("skipped")
		m.logger.Debug("poller.skipped_not_ready",
			zap.Bool("has_key", m.source.HasKey()),
			zap.Bool("authenticated", m.session.Authenticated()))
	}

	m.pollMu.Lock()
	m.polling = false
	m.pollDone = nil
	m.schedulePollLocked(m.cfg.PollInterval)
	m.pollMu.Unlock()
	close(done)
}

// tick is one pass of the reconciliation loop.
func (m *Manager) tick(ctx context.Context, fullUpdate bool) error {
	m.loadPollData(ctx)

	m.mu.Lock()
	offersSince := m.pollData.OffersSince
	m.mu.Unlock()

	q := OffersQuery{}
	if offersSince > 0 && !fullUpdate {
		// Delta poll. Reach behind the last cutoff by the backdate margin:
		// the server retrofits update times on confirmation, so a plain
		// cutoff would skip those transitions.
		q.ActiveOnly = true
		q.TimeHistoricalCutoff = offersSince - backdateMargin
	} else {
		q.TimeHistoricalCutoff = time.Now().Add(-fullUpdateWindow).Unix()
	}

	// Taken before the fetch so in-flight updates cannot slip past the next
	// cutoff, minus the same backdate margin.
	requestedAt := time.Now().Unix() - backdateMargin

	page, err := m.source.Offers(ctx, q)
	if err != nil {
		return m.NotifyAuthError(err)
	}

	now := time.Now()
	requireNames := m.cfg.GetDescriptions
	hasGlitched := false

	// Sent walk: diff every returned sent offer against the bookkeeping.
	for _, o := range page.Sent {
		if o.ID == "" {
			continue
		}
		m.mu.Lock()
		prev, known := m.pollData.StateFor(SideSent, o.ID)
		m.mu.Unlock()

		switch {
		case !known:
			if m.pendingSends.Load() == 0 {
				m.emit(Event{Type: EventUnknownOfferSent, Offer: o})
				if o.FromRealTimeTrade {
					m.emitRealTimeTransition(o, StateInvalid, false)
				}
			}
			m.mu.Lock()
			m.pollData.Record(SideSent, o.ID, o.State, o.UpdatedAt.Unix())
			m.mu.Unlock()

		case prev == o.State:
			// Nothing moved.

		default:
			if o.IsGlitched(requireNames) {
				hasGlitched = true
				m.emitDebug(fmt.Sprintf(
					"not emitting sent_offer_changed for offer %s: glitched payload (%d to give, %d to receive)",
					o.ID, len(o.ItemsToGive), len(o.ItemsToReceive)))
				continue
			}
			m.emit(Event{Type: EventSentOfferChanged, Offer: o, PrevState: prev})
			if o.FromRealTimeTrade && o.State == StateAccepted {
				m.emit(Event{Type: EventRealTimeTradeCompleted, Offer: o})
			}
			m.mu.Lock()
			m.pollData.Record(SideSent, o.ID, o.State, o.UpdatedAt.Unix())
			m.mu.Unlock()
		}
	}

	// Age policies run over every returned sent offer, independent of the
	// diff above.
	for _, o := range page.Sent {
		if o.ID != "" {
			m.applyAutoCancel(ctx, o, now)
		}
	}

	m.applyQuotaTrim(ctx, page.Sent, now)

	// Received walk.
	for _, o := range page.Received {
		if o.ID == "" {
			continue
		}
		if o.IsGlitched(requireNames) {
			hasGlitched = true
			m.emitDebug(fmt.Sprintf(
				"skipping received offer %s: glitched payload (%d to give, %d to receive)",
				o.ID, len(o.ItemsToGive), len(o.ItemsToReceive)))
			continue
		}

		m.mu.Lock()
		prev, known := m.pollData.StateFor(SideReceived, o.ID)
		m.mu.Unlock()

		if o.FromRealTimeTrade {
			m.emitRealTimeTransition(o, prev, known)
		}

		if !known && o.State == StateActive {
			m.emit(Event{Type: EventNewOffer, Offer: o})
		} else if known && prev != o.State {
			m.emit(Event{Type: EventReceivedOfferChanged, Offer: o, PrevState: prev})
		}

		m.mu.Lock()
		m.pollData.Record(SideReceived, o.ID, o.State, o.UpdatedAt.Unix())
		m.mu.Unlock()
	}

	// Advance the cutoff, but never while this page contained glitched
	// offers: those must reappear in the next delta window.
	if !hasGlitched {
		next := requestedAt
		if page.OldestNonTerminal > 0 && page.OldestNonTerminal < requestedAt {
			next = page.OldestNonTerminal
		}
		m.mu.Lock()
		if next > m.pollData.OffersSince {
			m.pollData.OffersSince = next
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	pruned := m.pollData.Prune()
	sentCount := len(m.pollData.Sent)
	recvCount := len(m.pollData.Received)
	m.mu.Unlock()

	metrics.SetTrackedOffers("sent", sentCount)
	metrics.SetTrackedOffers("received", recvCount)

	m.persistPollData(ctx)

	m.logger.Debug("poller.tick_complete",
		zap.Int("sent", len(page.Sent)),
		zap.Int("received", len(page.Received)),
		zap.Int("pruned", pruned),
		zap.Bool("glitched", hasGlitched))
	return nil
}

// emitRealTimeTransition reports realtime-trade milestones: a confirmation
// becoming required, or the trade completing. prev and known describe the
// bookkeeping before this tick recorded the offer.
func (m *Manager) emitRealTimeTransition(o *Offer, prev State, known bool) {
	switch {
	case !known && (o.State == StateCreatedNeedsConfirmation ||
		(o.State == StateActive && o.ConfirmationMethod != ConfirmationNone)):
		m.emit(Event{Type: EventRealTimeTradeConfirmationRequired, Offer: o})
	case o.State == StateAccepted && (!known || prev != o.State):
		m.emit(Event{Type: EventRealTimeTradeCompleted, Offer: o})
	}
}

// loadPollData performs the one-shot lazy load. Entries observed in memory
// before the load win over persisted ones. Failures mark the data loaded
// anyway so a broken store cannot wedge the loop.
func (m *Manager) loadPollData(ctx context.Context) {
	m.mu.Lock()
	if m.dataLoaded || m.storage == nil {
		m.dataLoaded = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	loaded, err := m.storage.LoadPollData(ctx, m.session.Username())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataLoaded = true
	if err != nil {
		metrics.IncError("poller", "load_poll_data")
		m.logger.Warn("poller.load_poll_data_failed", zap.Error(err))
		return
	}
	if loaded != nil {
		m.pollData.Merge(loaded)
		m.logger.Info("poller.poll_data_loaded",
			zap.Int("sent", len(m.pollData.Sent)),
			zap.Int("received", len(m.pollData.Received)),
			zap.Int64("offers_since", m.pollData.OffersSince))
	}
}

// persistPollData saves a snapshot of the bookkeeping. Failures are logged
// and reported as a debug event; they never abort the caller.
func (m *Manager) persistPollData(ctx context.Context) {
	if m.storage == nil {
		return
	}
	m.mu.Lock()
	snapshot := m.pollData.Clone()
	m.mu.Unlock()

	if err := m.storage.SavePollData(ctx, m.session.Username(), snapshot); err != nil {
		metrics.IncError("poller", "save_poll_data")
		m.logger.Warn("poller.save_poll_data_failed", zap.Error(err))
		m.emitDebug("failed to persist poll data: " + err.Error())
	}
}
