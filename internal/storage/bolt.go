// Package storage provides ready-made persistence backends for the agent's
// poll data and session cookies: an embedded bbolt file for single-host
// deployments and Redis for fleets. Both satisfy tradeoffer.Storage and
// community.CookieStorage.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/community"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

var (
	bucketPollData = []byte("poll_data")
	bucketCookies  = []byte("cookies")
)

// cookieRecord is the persisted shape of a session cookie. http.Cookie
// carries parse-time fields (Raw, Unparsed) that have no business in
// storage.
type cookieRecord struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

func toRecords(cookies []*http.Cookie) []cookieRecord {
	out := make([]cookieRecord, len(cookies))
	for i, c := range cookies {
		out[i] = cookieRecord{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
	}
	return out
}

func fromRecords(records []cookieRecord) []*http.Cookie {
	out := make([]*http.Cookie, len(records))
	for i, r := range records {
		out[i] = &http.Cookie{
			Name:     r.Name,
			Value:    r.Value,
			Path:     r.Path,
			Domain:   r.Domain,
			Expires:  r.Expires,
			Secure:   r.Secure,
			HttpOnly: r.HTTPOnly,
		}
	}
	return out
}

// BoltStore persists agent state in a single bbolt file.
type BoltStore struct {
	logger *zap.Logger
	db     *bolt.DB
}

var (
	_ tradeoffer.Storage      = (*BoltStore)(nil)
	_ community.CookieStorage = (*BoltStore)(nil)
)

// NewBoltStore opens (and creates if needed) the database file at path.
func NewBoltStore(logger *zap.Logger, path string) (*BoltStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPollData, bucketCookies} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{logger: logger, db: db}, nil
}

func (s *BoltStore) LoadPollData(ctx context.Context, account string) (*tradeoffer.PollData, error) {
	var data *tradeoffer.PollData
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPollData).Get([]byte(account))
		if raw == nil {
			return nil
		}
		data = &tradeoffer.PollData{}
		return json.Unmarshal(raw, data)
	})
	if err != nil {
		return nil, fmt.Errorf("load poll data for %s: %w", account, err)
	}
	return data, nil
}

func (s *BoltStore) SavePollData(ctx context.Context, account string, data *tradeoffer.PollData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode poll data: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPollData).Put([]byte(account), raw)
	})
	if err != nil {
		return fmt.Errorf("save poll data for %s: %w", account, err)
	}
	return nil
}

func (s *BoltStore) LoadCookies(ctx context.Context, account string) ([]*http.Cookie, error) {
	var records []cookieRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCookies).Get([]byte(account))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &records)
	})
	if err != nil {
		return nil, fmt.Errorf("load cookies for %s: %w", account, err)
	}
	if records == nil {
		return nil, nil
	}
	return fromRecords(records), nil
}

func (s *BoltStore) SaveCookies(ctx context.Context, account string, cookies []*http.Cookie) error {
	raw, err := json.Marshal(toRecords(cookies))
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCookies).Put([]byte(account), raw)
	})
	if err != nil {
		return fmt.Errorf("save cookies for %s: %w", account, err)
	}
	return nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
