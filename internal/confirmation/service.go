// Package confirmation implements the mobile second-factor engine: fetching
// the pending confirmation list and answering entries singly or in batch.
// Keys are derived per call from the account's identity secret; the remote
// buckets derivation time at one-second granularity, so the service skews a
// small clock offset to keep rapid back-to-back keys distinct.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/barterworks/steam-agent/internal/metrics"
	"github.com/barterworks/steam-agent/internal/steamid"
	"github.com/barterworks/steam-agent/internal/totp"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

const (
	defaultBaseURL = "https://steamcommunity.com"

	listPath    = "/mobileconf/conf"
	opPath      = "/mobileconf/ajaxop"
	batchOpPath = "/mobileconf/multiajaxop"

	// maxClockOffset bounds the drift the offset scheme introduces.
	maxClockOffset = 500
)

// Op is the answer given to a confirmation.
type Op string

const (
	OpAllow  Op = "allow"
	OpCancel Op = "cancel"
)

var (
	// ErrAccountUnknown means no session identity is available yet.
	ErrAccountUnknown = errors.New("confirmation: account not provisioned")

	// ErrNoSecret means neither an identity secret nor a key callback is
	// configured.
	ErrNoSecret = errors.New("confirmation: identity secret or key callback required")

	// ErrNotFound means no pending confirmation matches the offer, even
	// after a list refresh.
	ErrNotFound = errors.New("confirmation not found")

	// ErrFailed means the remote rejected the operation. The remote's
	// message, when present, is wrapped around it.
	ErrFailed = errors.New("confirmation failed")
)

// KeyFunc derives a confirmation key externally, for hosts that keep the
// identity secret out of process. t is the already-skewed unix time.
type KeyFunc func(username string, t int64, tag string) (string, error)

// Session is the identity view the service needs.
type Session interface {
	SteamID() steamid.SteamID
	Username() string
}

// Web is the transport seam, satisfied by *community.Client.
type Web interface {
	GetHTML(ctx context.Context, rawurl string, query url.Values, referer string) ([]byte, error)
	GetJSON(ctx context.Context, rawurl string, query url.Values, referer string, out any) error
	PostFormJSON(ctx context.Context, rawurl string, form url.Values, referer string, out any) error
}

// AuthSink receives session-expiry signals, satisfied by
// *tradeoffer.Manager.
type AuthSink interface {
	NotifyAuthError(err error) error
}

// Config carries the key-derivation material. Exactly one of IdentitySecret
// and KeyFunc is normally set; when both are, KeyFunc wins.
type Config struct {
	IdentitySecret string
	KeyFunc        KeyFunc
}

// Service lists and answers mobile confirmations for one account.
type Service struct {
	logger  *zap.Logger
	cfg     Config
	web     Web
	session Session
	auth    AuthSink // optional

	baseURL string

	flight singleflight.Group

	mu          sync.Mutex
	clockOffset int64
	lastList    []*Entry
}

// NewService constructs a confirmation Service. auth may be nil when no
// session-expiry consumer exists.
func NewService(logger *zap.Logger, cfg Config, web Web, session Session, auth AuthSink) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:  logger,
		cfg:     cfg,
		web:     web,
		session: session,
		auth:    auth,
		baseURL: defaultBaseURL,
	}
}

// SetBaseURL points the service at a different community host, for tests.
func (s *Service) SetBaseURL(u string) {
	s.baseURL = u
}

// Fetch retrieves the pending confirmation list and replaces the cached one.
// Concurrent callers share a single in-flight request and all receive its
// result.
func (s *Service) Fetch(ctx context.Context) ([]*Entry, error) {
	v, err, _ := s.flight.Do("list", func() (any, error) {
		return s.fetchList(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Entry), nil
}

// LastList returns the most recently fetched list without touching the
// remote.
func (s *Service) LastList() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.lastList))
	copy(out, s.lastList)
	return out
}

// Respond answers the confirmation that authorizes offerID. When the cached
// list has no matching entry the list is refreshed once before giving up.
func (s *Service) Respond(ctx context.Context, offerID string, op Op) error {
	e := s.cachedEntry(offerID)
	if e == nil {
		if _, err := s.Fetch(ctx); err != nil {
			return err
		}
		e = s.cachedEntry(offerID)
	}
	if e == nil {
		return fmt.Errorf("%w: no pending confirmation for offer %s", ErrNotFound, offerID)
	}
	return s.Operate(ctx, []string{e.ID}, []string{e.Key}, op)
}

// AcceptAll approves every pending confirmation and returns how many were
// answered.
func (s *Service) AcceptAll(ctx context.Context) (int, error) {
	return s.respondAll(ctx, OpAllow)
}

// CancelAll cancels every pending confirmation and returns how many were
// answered.
func (s *Service) CancelAll(ctx context.Context) (int, error) {
	return s.respondAll(ctx, OpCancel)
}

func (s *Service) respondAll(ctx context.Context, op Op) (int, error) {
	entries, err := s.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	ids := make([]string, len(entries))
	keys := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		keys[i] = e.Key
	}
	if err := s.Operate(ctx, ids, keys, op); err != nil {
		return 0, err
	}
	return len(entries), nil
}

type opResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Operate answers the confirmations named by the parallel ids and keys
// slices. A single entry uses the ajaxop endpoint; more than one goes
// through multiajaxop in one form post.
func (s *Service) Operate(ctx context.Context, ids, keys []string, op Op) error {
	if len(ids) == 0 || len(ids) != len(keys) {
		return fmt.Errorf("operate: ids and keys must be parallel and non-empty")
	}

	params, err := s.identityParams(string(op))
	if err != nil {
		return err
	}
	params.Set("op", string(op))

	var out opResponse
	if len(ids) > 1 {
		form := url.Values{}
		for k, vs := range params {
			form[k] = vs
		}
		form["cid[]"] = ids
		form["ck[]"] = keys
		err = s.web.PostFormJSON(ctx, s.baseURL+batchOpPath, form, "", &out)
	} else {
		params.Set("cid", ids[0])
		params.Set("ck", keys[0])
		err = s.web.GetJSON(ctx, s.baseURL+opPath, params, "", &out)
	}
	if err != nil {
		metrics.IncConfirmation(string(op), "error")
		return s.notifyAuth(err)
	}

	if !out.Success {
		metrics.IncConfirmation(string(op), "error")
		if out.Message != "" {
			return fmt.Errorf("%w: %s", ErrFailed, out.Message)
		}
		return ErrFailed
	}

	metrics.IncConfirmation(string(op), "ok")
	s.logger.Info("confirmation.answered",
		zap.String("op", string(op)),
		zap.Int("count", len(ids)))
	return nil
}

func (s *Service) fetchList(ctx context.Context) ([]*Entry, error) {
	params, err := s.identityParams("conf")
	if err != nil {
		return nil, err
	}

	body, err := s.web.GetHTML(ctx, s.baseURL+listPath, params, "")
	if err != nil {
		return nil, s.notifyAuth(err)
	}

	entries, err := parseList(body)
	if err != nil {
		metrics.IncError("confirmation", "parse")
		return nil, s.notifyAuth(err)
	}

	s.mu.Lock()
	s.lastList = entries
	s.mu.Unlock()

	s.logger.Debug("confirmation.list_fetched", zap.Int("count", len(entries)))
	return entries, nil
}

func (s *Service) cachedEntry(creator string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.lastList {
		if e.Creator == creator {
			return e
		}
	}
	return nil
}

// identityParams builds the identity tuple every confirmation endpoint
// expects, with a freshly derived key for tag.
func (s *Service) identityParams(tag string) (url.Values, error) {
	sid := s.session.SteamID()
	if sid == 0 {
		return nil, ErrAccountUnknown
	}
	if s.cfg.IdentitySecret == "" && s.cfg.KeyFunc == nil {
		return nil, ErrNoSecret
	}

	k, t, err := s.deriveKey(tag)
	if err != nil {
		return nil, err
	}

	v := url.Values{}
	v.Set("p", totp.DeviceID(sid.AccountID()))
	v.Set("a", strconv.FormatUint(uint64(sid), 10))
	v.Set("k", k)
	v.Set("t", strconv.FormatInt(t, 10))
	v.Set("m", "android")
	v.Set("tag", tag)
	return v, nil
}

// deriveKey consumes the current clock offset so that back-to-back
// derivations, which the remote buckets by second, still produce distinct
// keys.
func (s *Service) deriveKey(tag string) (string, int64, error) {
	s.mu.Lock()
	t := time.Now().Unix() + s.clockOffset
	s.clockOffset++
	if s.clockOffset > maxClockOffset {
		s.clockOffset = 0
	}
	s.mu.Unlock()

	if s.cfg.KeyFunc != nil {
		k, err := s.cfg.KeyFunc(s.session.Username(), t, tag)
		return k, t, err
	}
	k, err := totp.ConfirmationKey(s.cfg.IdentitySecret, t, tag)
	return k, t, err
}

func (s *Service) notifyAuth(err error) error {
	if s.auth != nil &&
		(errors.Is(err, tradeoffer.ErrNotLoggedIn) || errors.Is(err, tradeoffer.ErrFamilyViewRestricted)) {
		return s.auth.NotifyAuthError(err)
	}
	return err
}
