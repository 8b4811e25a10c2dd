package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	ikeys "github.com/UniQw/glowq-go/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// MemoryStore is an in-process Store, useful for tests and demos.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]Payment
}

// NewMemoryStore returns a store seeded with the given payments.
func NewMemoryStore(seed ...Payment) *MemoryStore {
	m := &MemoryStore{payments: make(map[string]Payment, len(seed))}
	for _, p := range seed {
		m.payments[p.ID] = p
	}
	return m
}

// Put inserts or replaces a payment.
func (m *MemoryStore) Put(p Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, u Update) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if err := u.check(p); err != nil {
		return nil, err
	}
	p = u.Apply(p, time.Now().UTC())
	m.payments[id] = p
	return &p, nil
}

// maxUpdateAttempts bounds optimistic-lock retries in RedisStore.Update.
const maxUpdateAttempts = 5

// RedisStore keeps each payment as a JSON string at "payment:<id>".
type RedisStore struct {
	rdb redis.UniversalClient
	ns  string
}

// NewRedisStore creates a Redis-backed store. The caller owns the client lifecycle.
func NewRedisStore(rdb redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{rdb: rdb, ns: namespace}
}

// Put inserts or replaces a payment.
func (s *RedisStore) Put(ctx context.Context, p Payment) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, ikeys.Payment(s.ns, p.ID), raw, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Payment, error) {
	return s.get(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*Payment, error) {
	raw, err := c.Get(ctx, ikeys.Payment(s.ns, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Payment
	if err := sonic.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", id, err)
	}
	return &p, nil
}

// Update applies u under WATCH so concurrent writers do not lose each other's
// metadata, and so a conditional update is checked against the value it replaces.
func (s *RedisStore) Update(ctx context.Context, id string, u Update) (*Payment, error) {
	key := ikeys.Payment(s.ns, id)
	var out *Payment
	txf := func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := u.check(*cur); err != nil {
			return err
		}
		next := u.Apply(*cur, time.Now().UTC())
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, redis.KeepTTL)
			return nil
		})
		if err == nil {
			out = &next
		}
		return err
	}
	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update payment %s: %w", id, redis.TxFailedErr)
}
