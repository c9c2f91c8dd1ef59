package verifier

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/wcutil"
)

// NonceStore keeps issued nonces until they are consumed or expire.
// A nonce is scoped to the identity it was issued to.
type NonceStore interface {
	Put(ctx context.Context, subject, nonce string, ttl time.Duration) error
	// Consume removes the nonce, ok is false when it was never issued, expired or already used.
	Consume(ctx context.Context, subject, nonce string) (ok bool, err error)
}

func newNonce() (string, error) {
	b, err := wcutil.GenerateRandomBytes(16)
	if err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	return hex.EncodeToString(b), nil
}

type MemoryNonces struct {
	lk      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryNonces(now func() time.Time) *MemoryNonces {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonces{entries: make(map[string]time.Time), now: now}
}

func (m *MemoryNonces) Put(_ context.Context, subject, nonce string, ttl time.Duration) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	now := m.now()
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
		}
	}
	m.entries[subject+"\x00"+nonce] = now.Add(ttl)
	return nil
}

func (m *MemoryNonces) Consume(_ context.Context, subject, nonce string) (bool, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	key := subject + "\x00" + nonce
	exp, ok := m.entries[key]
	delete(m.entries, key)
	return ok && m.now().Before(exp), nil
}

// RedisNonces shares nonces between verifier replicas, expiry is left to redis.
type RedisNonces struct {
	client *redis.Client
	prefix string
}

func NewRedisNonces(client *redis.Client, prefix string) *RedisNonces {
	return &RedisNonces{client: client, prefix: prefix}
}

func (r *RedisNonces) key(subject, nonce string) string {
	return r.prefix + "nonce:" + subject + ":" + nonce
}

func (r *RedisNonces) Put(ctx context.Context, subject, nonce string, ttl time.Duration) error {
	err := r.client.Set(ctx, r.key(subject, nonce), 1, ttl).Err()
	return errors.Wrap(err, "redis set nonce")
}

func (r *RedisNonces) Consume(ctx context.Context, subject, nonce string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(subject, nonce)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis del nonce")
	}
	return n == 1, nil
}
