package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cashmanager/internal/log"
	"cashmanager/internal/session"
	"cashmanager/internal/settings"
)

const (
	sessionKeyPattern = "cashmanager:session:%s"
	settingsKeyPrefix = "cashmanager:"

	// anonymousSessionTTL bounds records that hold no tokens yet.
	anonymousSessionTTL = 24 * time.Hour
)

// RedisConfig holds the connection parameters of the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps sessions and settings blobs in Redis. Sessions expire with
// their refresh token, so the sweeper has nothing to delete.
type RedisStore struct {
	client *redis.Client
	logger *log.Logger
	now    func() time.Time
}

// NewRedisClient connects to Redis and verifies the connection with Ping.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

func NewRedisStore(client *redis.Client, logger *log.Logger) *RedisStore {
	if logger == nil {
		logger = log.Default(log.ComponentStorage)
	}
	return &RedisStore{
		client: client,
		logger: logger.WithComponent(log.ComponentStorage),
		now:    time.Now,
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (session.Record, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.Record{}, session.ErrNotFound
		}
		s.logger.ErrorContext(ctx, "Failed to get session from redis", log.FieldError, err)
		return session.Record{}, fmt.Errorf("get session: %w", err)
	}

	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.ErrorContext(ctx, "Failed to decode session", log.FieldError, err)
		return session.Record{}, fmt.Errorf("decode session: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, rec session.Record) error {
	ttl := anonymousSessionTTL
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		ttl = exp.Sub(s.now())
		if ttl <= 0 {
			// Already expired; a zero or negative TTL would mean "keep forever" to Redis.
			return s.DeleteSession(ctx, rec.ID)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(rec.ID), data, ttl).Err(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to save session in redis", log.FieldError, err)
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to delete session", log.FieldOperation, log.OpDelete, log.FieldError, err)
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions is a no-op: Redis expires session keys itself.
func (s *RedisStore) DeleteExpiredSessions(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) LoadSettings(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, settingsKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, settings.ErrNotFound
		}
		s.logger.ErrorContext(ctx, "Failed to load settings from redis", "key", key, log.FieldError, err)
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return data, nil
}

func (s *RedisStore) SaveSettings(ctx context.Context, key string, blob []byte) error {
	if err := s.client.Set(ctx, settingsKeyPrefix+key, blob, 0).Err(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to save settings in redis", "key", key, log.FieldError, err)
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func sessionKey(id string) string {
	return fmt.Sprintf(sessionKeyPattern, id)
}
