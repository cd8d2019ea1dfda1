package community

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/steamid"
)

// Session states. A session starts logged out, becomes authenticated when
// the host provisions cookies, and expires when the validator detects the
// remote no longer honors them.
const (
	StateLoggedOut     = "loggedout"
	StateAuthenticated = "authenticated"
	StateExpired       = "expired"

	eventAuthenticate = "authenticate"
	eventExpire       = "expire"
	eventLogout       = "logout"
)

// CookieStorage persists session cookies across restarts, keyed by account
// name. LoadCookies returns (nil, nil) when nothing was saved yet.
// Implementations live in internal/storage.
type CookieStorage interface {
	LoadCookies(ctx context.Context, account string) ([]*http.Cookie, error)
	SaveCookies(ctx context.Context, account string, cookies []*http.Cookie) error
}

// Session tracks the authenticated community web session. The interactive
// login flow is outside this library; the host provisions a session from
// cookies it obtained elsewhere (or from CookieStorage), and the session
// only moves between authenticated and expired from then on.
type Session struct {
	logger  *zap.Logger
	client  *Client
	storage CookieStorage // optional

	machine *fsm.FSM

	mu        sync.RWMutex
	username  string
	sessionID string
	steamID   steamid.SteamID
}

// NewSession builds an unauthenticated session bound to client's cookie
// jar. storage may be nil, in which case cookies live only in memory.
func NewSession(logger *zap.Logger, client *Client, storage CookieStorage) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		logger:  logger,
		client:  client,
		storage: storage,
	}
	s.machine = fsm.NewFSM(
		StateLoggedOut,
		fsm.Events{
			{Name: eventAuthenticate, Src: []string{StateLoggedOut, StateExpired}, Dst: StateAuthenticated},
			{Name: eventExpire, Src: []string{StateAuthenticated}, Dst: StateExpired},
			{Name: eventLogout, Src: []string{StateLoggedOut, StateAuthenticated, StateExpired}, Dst: StateLoggedOut},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.logger.Info("session.state_changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
	return s
}

// Provision installs cookies for username and marks the session
// authenticated. The steamLoginSecure cookie carries the account's 64-bit
// id; a sessionid cookie is generated when absent. Cookies are persisted
// when storage is configured.
func (s *Session) Provision(ctx context.Context, username string, cookies []*http.Cookie) error {
	if username == "" {
		return fmt.Errorf("provision session: username required")
	}

	base, _ := url.Parse(BaseURL)

	var sessionID string
	var sid steamid.SteamID
	for _, c := range cookies {
		switch c.Name {
		case "sessionid":
			sessionID = c.Value
		case "steamLoginSecure":
			id, err := steamIDFromLoginSecure(c.Value)
			if err != nil {
				return fmt.Errorf("provision session: %w", err)
			}
			sid = id
		}
	}
	if sid == 0 {
		return fmt.Errorf("provision session: steamLoginSecure cookie missing")
	}
	if sessionID == "" {
		sessionID = generateSessionID()
		cookies = append(cookies, &http.Cookie{
			Name:   "sessionid",
			Value:  sessionID,
			Path:   "/",
			Domain: base.Host,
		})
	}

	s.client.SetCookies(base, cookies)

	s.mu.Lock()
	s.username = username
	s.sessionID = sessionID
	s.steamID = sid
	s.mu.Unlock()

	if err := s.machine.Event(ctx, eventAuthenticate); err != nil {
		// Already authenticated: refreshing cookies in place is fine.
		if !s.machine.Is(StateAuthenticated) {
			return fmt.Errorf("provision session: %w", err)
		}
	}

	if s.storage != nil {
		if err := s.storage.SaveCookies(ctx, username, cookies); err != nil {
			s.logger.Warn("session.cookie_save_failed",
				zap.String("account", username),
				zap.Error(err))
		}
	}

	s.logger.Info("session.provisioned",
		zap.String("account", username),
		zap.String("steam_id", sid.String()))
	return nil
}

// Restore provisions the session from persisted cookies. Returns false
// without error when no cookies were saved for username.
func (s *Session) Restore(ctx context.Context, username string) (bool, error) {
	if s.storage == nil {
		return false, nil
	}
	cookies, err := s.storage.LoadCookies(ctx, username)
	if err != nil {
		return false, fmt.Errorf("restore session: %w", err)
	}
	if len(cookies) == 0 {
		return false, nil
	}
	if err := s.Provision(ctx, username, cookies); err != nil {
		return false, err
	}
	return true, nil
}

// Authenticated reports whether the session is currently usable.
func (s *Session) Authenticated() bool {
	return s.machine.Is(StateAuthenticated)
}

// State returns the current session state name.
func (s *Session) State() string {
	return s.machine.Current()
}

// SessionID returns the sessionid cookie value offer posts must echo.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SteamID returns the account's 64-bit id, or zero before provisioning.
func (s *Session) SteamID() steamid.SteamID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.steamID
}

// Username returns the account name the session was provisioned for.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Expire moves the session to the expired state. Repeated calls after the
// first are no-ops, so every detector can call it without coordination.
func (s *Session) Expire(err error) {
	if !s.machine.Is(StateAuthenticated) {
		return
	}
	s.logger.Warn("session.expired", zap.Error(err))
	_ = s.machine.Event(context.Background(), eventExpire)
}

// Logout forgets the session identity entirely.
func (s *Session) Logout() {
	s.mu.Lock()
	s.username = ""
	s.sessionID = ""
	s.steamID = 0
	s.mu.Unlock()
	_ = s.machine.Event(context.Background(), eventLogout)
}

// steamIDFromLoginSecure extracts the account id from a steamLoginSecure
// cookie value, whose shape is "<steamid64>||<token>" with the separator
// usually percent-encoded.
func steamIDFromLoginSecure(value string) (steamid.SteamID, error) {
	if decoded, err := url.QueryUnescape(value); err == nil {
		value = decoded
	}
	idPart, _, found := strings.Cut(value, "||")
	if !found {
		return 0, fmt.Errorf("steamLoginSecure cookie has no separator")
	}
	id, err := steamid.Parse(idPart)
	if err != nil {
		return 0, fmt.Errorf("steamLoginSecure cookie: %w", err)
	}
	return id, nil
}

func generateSessionID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
