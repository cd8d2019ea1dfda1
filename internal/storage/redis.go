package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/barterworks/steam-agent/internal/community"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

const (
	pollDataKeyPrefix = "steam:polldata:"
	cookiesKeyPrefix  = "steam:cookies:"
)

// RedisStore persists agent state in Redis, for deployments where the agent
// does not own local disk.
type RedisStore struct {
	logger *zap.Logger
	rdb    *redis.Client
}

var (
	_ tradeoffer.Storage      = (*RedisStore)(nil)
	_ community.CookieStorage = (*RedisStore)(nil)
)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(logger *zap.Logger, addr, password string, db int) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{logger: logger, rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client, for tests.
func NewRedisStoreFromClient(logger *zap.Logger, rdb *redis.Client) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{logger: logger, rdb: rdb}
}

func (s *RedisStore) LoadPollData(ctx context.Context, account string) (*tradeoffer.PollData, error) {
	raw, err := s.rdb.Get(ctx, pollDataKeyPrefix+account).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("load poll data for %s: %w", account, err)
	}

	data := &tradeoffer.PollData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decode poll data for %s: %w", account, err)
	}
	return data, nil
}

func (s *RedisStore) SavePollData(ctx context.Context, account string, data *tradeoffer.PollData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode poll data: %w", err)
	}
	if err := s.rdb.Set(ctx, pollDataKeyPrefix+account, raw, 0).Err(); err != nil {
		return fmt.Errorf("save poll data for %s: %w", account, err)
	}
	return nil
}

func (s *RedisStore) LoadCookies(ctx context.Context, account string) ([]*http.Cookie, error) {
	raw, err := s.rdb.Get(ctx, cookiesKeyPrefix+account).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("load cookies for %s: %w", account, err)
	}

	var records []cookieRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode cookies for %s: %w", account, err)
	}
	return fromRecords(records), nil
}

func (s *RedisStore) SaveCookies(ctx context.Context, account string, cookies []*http.Cookie) error {
	raw, err := json.Marshal(toRecords(cookies))
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if err := s.rdb.Set(ctx, cookiesKeyPrefix+account, raw, 0).Err(); err != nil {
		return fmt.Errorf("save cookies for %s: %w", account, err)
	}
	return nil
}

// HealthCheck verifies the Redis connection is alive.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
