package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "terminal:meta:"

// RedisStore keeps the directory in Redis so every instance sees every
// session.
type RedisStore struct {
	client redis.UniversalClient
	sealer *Sealer
}

// NewRedisStore wraps client. A nil sealer stores plaintext.
func NewRedisStore(client redis.UniversalClient, sealer *Sealer) *RedisStore {
	if sealer == nil {
		sealer = &Sealer{}
	}
	return &RedisStore{client: client, sealer: sealer}
}

// Key returns the Redis key holding a session's metadata.
func Key(sessionID string) string {
	return keyPrefix + sessionID
}

// Put records meta.
func (s *RedisStore) Put(ctx context.Context, meta Meta) error {
	blob, err := s.sealer.Seal(meta)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, Key(meta.SessionID), blob, 0).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", meta.SessionID, err)
	}
	return nil
}

// Get returns the metadata of a session.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (Meta, bool, error) {
	blob, err := s.client.Get(ctx, Key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	meta, err := s.sealer.Open(blob)
	if err != nil {
		return Meta{}, false, err
	}
	return meta, true, nil
}

// Delete removes a session.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, Key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
