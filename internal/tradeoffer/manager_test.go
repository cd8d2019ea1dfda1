package tradeoffer

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barterworks/steam-agent/internal/steamid"
)

const testAccountID uint32 = 46143802

func testPartner() steamid.SteamID {
	return steamid.New(testAccountID)
}

// fakeWeb scripts the community transport seam.
type fakeWeb struct {
	mu       sync.Mutex
	calls    []webCall
	respond  func(call webCall, out any) error
	inflight func() // runs while the request is "on the wire"
}

type webCall struct {
	method  string
	url     string
	form    url.Values
	referer string
}

func (w *fakeWeb) GetJSON(ctx context.Context, rawurl string, query url.Values, referer string, out any) error {
	return w.record(webCall{method: "GET", url: rawurl, form: query, referer: referer}, out)
}

func (w *fakeWeb) PostFormJSON(ctx context.Context, rawurl string, form url.Values, referer string, out any) error {
	return w.record(webCall{method: "POST", url: rawurl, form: form, referer: referer}, out)
}

func (w *fakeWeb) record(call webCall, out any) error {
	w.mu.Lock()
	w.calls = append(w.calls, call)
	respond := w.respond
	inflight := w.inflight
	w.mu.Unlock()
	if inflight != nil {
		inflight()
	}
	if respond == nil {
		return nil
	}
	return respond(call, out)
}

func (w *fakeWeb) lastCall(t *testing.T) webCall {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.calls)
	return w.calls[len(w.calls)-1]
}

// fakeSession scripts the session seam.
type fakeSession struct {
	mu            sync.Mutex
	authenticated bool
	expired       bool
	expireErr     error
}

func (s *fakeSession) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *fakeSession) SessionID() string        { return "0123456789abcdef01234567" }
func (s *fakeSession) SteamID() steamid.SteamID { return testPartner() }
func (s *fakeSession) Username() string         { return "hydrogen" }

func (s *fakeSession) Expire(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return
	}
	s.expired = true
	s.expireErr = err
	s.authenticated = false
}

func (s *fakeSession) isExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// fakeSource scripts the offers API seam. Pages are consumed one per Offers
// call, the last one repeating.
type fakeSource struct {
	mu        sync.Mutex
	hasKey    bool
	pages     []*OffersPage
	pageErr   error
	queries   []OffersQuery
	offers    map[string]*Offer
	offerErr  error
	canceled  []string
	declined  []string
	cancelErr error

	started chan struct{} // signaled once per Offers entry, if set
	block   chan struct{} // Offers waits for close, if set
}

func (s *fakeSource) Offers(ctx context.Context, q OffersQuery) (*OffersPage, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	started := s.started
	block := s.block
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pageErr != nil {
		return nil, s.pageErr
	}
	if len(s.pages) == 0 {
		return &OffersPage{}, nil
	}
	page := s.pages[0]
	if len(s.pages) > 1 {
		s.pages = s.pages[1:]
	}
	return page, nil
}

func (s *fakeSource) Offer(ctx context.Context, id string) (*Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerErr != nil {
		return nil, s.offerErr
	}
	if o, ok := s.offers[id]; ok {
		return o, nil
	}
	return &Offer{ID: id, State: StateActive}, nil
}

func (s *fakeSource) CancelOffer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.canceled = append(s.canceled, id)
	return nil
}

func (s *fakeSource) DeclineOffer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.declined = append(s.declined, id)
	return nil
}

func (s *fakeSource) HasKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasKey
}

func (s *fakeSource) canceledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.canceled...)
}

func (s *fakeSource) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func (s *fakeSource) queryAt(i int) OffersQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[i]
}

// eventRecorder collects events through the synchronous listener.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	return len(r.ofType(t))
}

type testRig struct {
	m       *Manager
	web     *fakeWeb
	session *fakeSession
	source  *fakeSource
	storage *fakeStorage
	events  *eventRecorder
}

// newTestRig builds a manager in manual-poll mode over fakes. The negative
// interval keeps ticks from self-scheduling during tests.
func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = -1
	}
	rig := &testRig{
		web:     &fakeWeb{},
		session: &fakeSession{authenticated: true},
		source:  &fakeSource{hasKey: true},
		events:  &eventRecorder{},
	}
	rig.m = New(nil, cfg, rig.web, rig.session, rig.source, nil)
	rig.m.SetListener(rig.events.listen)
	return rig
}

// resetPollClock clears the rate floor so back-to-back test ticks all run.
func resetPollClock(m *Manager) {
	m.pollMu.Lock()
	m.lastPollStart = time.Time{}
	m.pollMu.Unlock()
}

func TestManagerReady(t *testing.T) {
	rig := newTestRig(t, Config{})
	assert.True(t, rig.m.Ready())

	rig.source.mu.Lock()
	rig.source.hasKey = false
	rig.source.mu.Unlock()
	assert.False(t, rig.m.Ready())

	rig.source.mu.Lock()
	rig.source.hasKey = true
	rig.source.mu.Unlock()
	rig.session.mu.Lock()
	rig.session.authenticated = false
	rig.session.mu.Unlock()
	assert.False(t, rig.m.Ready())
}

func TestManagerConfigDefaults(t *testing.T) {
	rig := newTestRig(t, Config{PollInterval: 30 * time.Second})
	cfg := rig.m.Config()
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, "en", cfg.Language)
}

func TestSubscribeDeliversEvents(t *testing.T) {
	rig := newTestRig(t, Config{})
	ch := rig.m.Subscribe(4)
	defer rig.m.Unsubscribe(ch)

	rig.m.emit(Event{Type: EventPollSuccess})

	select {
	case ev := <-ch:
		assert.Equal(t, EventPollSuccess, ev.Type)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeDropsWhenFull(t *testing.T) {
	rig := newTestRig(t, Config{})
	ch := rig.m.Subscribe(1)
	defer rig.m.Unsubscribe(ch)

	rig.m.emit(Event{Type: EventPollSuccess})
	rig.m.emit(Event{Type: EventPollSuccess}) // buffer full, dropped

	assert.Equal(t, int64(1), rig.m.DroppedEvents())
}

func TestNotifyAuthError(t *testing.T) {
	rig := newTestRig(t, Config{})

	err := rig.m.NotifyAuthError(ErrNotLoggedIn)
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.True(t, rig.session.isExpired())
	assert.Equal(t, 1, rig.events.count(EventSessionExpired))

	err = rig.m.NotifyAuthError(ErrFamilyViewRestricted)
	assert.ErrorIs(t, err, ErrFamilyViewRestricted)
	assert.Equal(t, 1, rig.events.count(EventFamilyViewRestricted))

	assert.NoError(t, rig.m.NotifyAuthError(nil))
}

func TestSetCancelTimeForOffer(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.m.SetCancelTimeForOffer("77", 90*time.Second)
	rig.m.SetPendingCancelTimeForOffer("77", 2*time.Minute)

	snap := rig.m.SnapshotPollData()
	assert.Equal(t, 90*time.Second, snap.CancelTimes["77"])
	assert.Equal(t, 2*time.Minute, snap.PendingCancelTimes["77"])
}

func TestSnapshotIsACopy(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.m.pollData.Record(SideSent, "1", StateActive, 100)

	snap := rig.m.SnapshotPollData()
	snap.Sent["1"] = StateCanceled
	snap.Record(SideSent, "2", StateActive, 200)

	assert.Equal(t, StateActive, rig.m.pollData.Sent["1"])
	_, ok := rig.m.pollData.Sent["2"]
	assert.False(t, ok)
}
