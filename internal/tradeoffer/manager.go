// Package tradeoffer implements the offer-lifecycle engine: a periodic
// reconciliation loop over the remote offer lists, persistent poll
// bookkeeping with at-least-once event emission, imperative offer verbs, and
// the automatic cancellation policies.
package tradeoffer

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/metrics"
	"github.com/barterworks/steam-agent/internal/steamid"
)

// Config carries the engine knobs. The zero value is usable: polling every
// 30 seconds, no auto-cancel policies, no description enrichment.
type Config struct {
	// PollInterval is the delay between reconcile ticks. Zero means the
	// 30-second default; negative disables automatic scheduling entirely
	// (Poll must then be driven by the host).
	PollInterval time.Duration

	// CancelTime auto-cancels active sent offers older than this. Zero
	// disables. Per-offer overrides in the store take precedence.
	CancelTime time.Duration

	// PendingCancelTime auto-cancels unconfirmed sent offers whose creation
	// time is older than this. Zero disables.
	PendingCancelTime time.Duration

	// CancelOfferCount caps outstanding active sent offers; the oldest are
	// canceled when the cap is exceeded. Zero disables.
	CancelOfferCount int

	// CancelOfferCountMinAge spares offers younger than this from quota
	// trimming.
	CancelOfferCountMinAge time.Duration

	// DisableQuotaTrim turns the quota policy off even when
	// CancelOfferCount is set, while its interaction with the remote is
	// still being confirmed.
	DisableQuotaTrim bool

	// GetDescriptions requests item descriptions with every fetch and makes
	// glitch detection require item names.
	GetDescriptions bool

	// Language is the description language tag. Defaults to "en".
	Language string
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Language == "" {
		c.Language = "en"
	}
}

// WebClient is the community transport seam: a cookie-bearing HTTP client
// whose responses have already passed the degraded-response validator.
// Implemented by internal/community.Client.
type WebClient interface {
	GetJSON(ctx context.Context, rawurl string, query url.Values, referer string, out any) error
	PostFormJSON(ctx context.Context, rawurl string, form url.Values, referer string, out any) error
}

// Session exposes the authenticated web session. Implemented by
// internal/community.Session.
type Session interface {
	Authenticated() bool
	SessionID() string
	SteamID() steamid.SteamID
	Username() string
	// Expire moves the session to the expired state; repeated calls after
	// the first are no-ops.
	Expire(err error)
}

// OffersQuery selects which offers a fetch returns.
type OffersQuery struct {
	ActiveOnly           bool
	HistoricalOnly       bool
	TimeHistoricalCutoff int64 // unix seconds
}

// OffersPage is one "list offers" result. OldestNonTerminal is the minimum
// update time across returned offers in a non-terminal state, or zero when
// none qualify; the poller uses it to advance the historical cutoff safely.
type OffersPage struct {
	Sent              []*Offer
	Received          []*Offer
	OldestNonTerminal int64
}

// OffersSource is the remote offers API seam. Implemented by
// internal/steamapi.Client.
type OffersSource interface {
	Offers(ctx context.Context, q OffersQuery) (*OffersPage, error)
	Offer(ctx context.Context, id string) (*Offer, error)
	CancelOffer(ctx context.Context, id string) error
	DeclineOffer(ctx context.Context, id string) error
	HasKey() bool
}

// Manager owns the poll bookkeeping and runs the reconciliation loop.
// Offer verbs (Send, Accept, Decline, Cancel, Refresh) may be called from
// any goroutine; they contend with the loop only over the store.
type Manager struct {
	logger  *zap.Logger
	cfg     Config
	web     WebClient
	session Session
	source  OffersSource
	storage Storage // optional

	mu         sync.Mutex // guards pollData and dataLoaded
	pollData   *PollData
	dataLoaded bool

	pendingSends atomic.Int32

	pollMu        sync.Mutex // guards the scheduling state below
	polling       bool
	pollDone      chan struct{}
	lastPollStart time.Time
	pollTimer     *time.Timer
	stopped       bool
	baseCtx       context.Context

	subsMu   sync.RWMutex
	subs     map[chan Event]struct{}
	listener Listener
	dropped  atomic.Int64
}

// New constructs a Manager. storage may be nil, in which case poll data
// lives only in memory.
func New(logger *zap.Logger, cfg Config, web WebClient, session Session, source OffersSource, storage Storage) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		web:      web,
		session:  session,
		source:   source,
		storage:  storage,
		pollData: NewPollData(),
		subs:     make(map[chan Event]struct{}),
	}
}

// Config returns the engine knobs the manager was built with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Account returns the session's account name, or "" before provisioning.
func (m *Manager) Account() string {
	return m.session.Username()
}

// Ready reports whether ticks can do useful work: an API key is configured
// and the session is authenticated.
func (m *Manager) Ready() bool {
	return m.source.HasKey() && m.session.Authenticated()
}

// SetListener registers fn to receive every event synchronously in
// observation order. Pass nil to clear.
func (m *Manager) SetListener(fn Listener) {
	m.subsMu.Lock()
	m.listener = fn
	m.subsMu.Unlock()
}

// Subscribe returns a channel receiving engine events. Delivery to
// subscribers is best-effort: when the buffer is full the event is dropped
// and counted. Use SetListener for lossless in-process consumption.
func (m *Manager) Subscribe(buf int) chan Event {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.subsMu.Lock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
	m.subsMu.Unlock()
}

// DroppedEvents returns how many events were dropped on full subscriber
// buffers since startup.
func (m *Manager) DroppedEvents() int64 {
	return m.dropped.Load()
}

func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	metrics.IncOfferEvent(ev.Type.String())

	m.subsMu.RLock()
	listener := m.listener
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.dropped.Add(1)
			m.logger.Debug("events.subscriber_full",
				zap.String("event", ev.Type.String()))
		}
	}
	m.subsMu.RUnlock()

	if listener != nil {
		listener(ev)
	}
}

func (m *Manager) emitDebug(msg string) {
	m.logger.Debug("manager.debug", zap.String("message", msg))
	m.emit(Event{Type: EventDebug, Message: msg})
}

// NotifyAuthError translates session-level failures into their events and
// expires the session so the host can re-provision. Returns err unchanged.
// The confirmation engine shares this path so that a session expiry detected
// on the mobileconf endpoints surfaces the same way as one from a poll.
func (m *Manager) NotifyAuthError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotLoggedIn):
		m.session.Expire(err)
		m.emit(Event{Type: EventSessionExpired, Err: err})
	case errors.Is(err, ErrFamilyViewRestricted):
		m.emit(Event{Type: EventFamilyViewRestricted, Err: err})
	}
	return err
}

// SnapshotPollData returns a deep copy of the current poll bookkeeping.
func (m *Manager) SnapshotPollData() *PollData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollData.Clone()
}

// SetCancelTimeForOffer installs a per-offer override for the age-based
// cancel policy of an already-sent offer.
func (m *Manager) SetCancelTimeForOffer(id string, v time.Duration) {
	m.mu.Lock()
	m.pollData.SetCancelTime(id, v)
	m.mu.Unlock()
}

// SetPendingCancelTimeForOffer installs a per-offer override for the
// unconfirmed-offer cancel policy.
func (m *Manager) SetPendingCancelTimeForOffer(id string, v time.Duration) {
	m.mu.Lock()
	m.pollData.SetPendingCancelTime(id, v)
	m.mu.Unlock()
}

// LastPoll returns when the most recent tick started, or the zero time.
func (m *Manager) LastPoll() time.Time {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	return m.lastPollStart
}
