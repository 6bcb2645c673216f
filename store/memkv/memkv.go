// Package memkv implements store.KV as an in-process mutex-guarded map,
// grounded on the same defensive-locking style the teacher's
// execution.Executor uses for its own orders/positions maps. It is the
// zero-config default and the backend every package's unit tests run
// against.
package memkv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/store"
)

type record struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (r record) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && now.After(r.expiresAt)
}

// Store is an in-memory store.KV.
type Store struct {
	mu   sync.Mutex
	data map[string]record
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]record)}
}

var _ store.KV = (*Store)(nil)

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[key]
	if !ok || r.expired(time.Now()) {
		return "", store.ErrNotFound
	}
	return r.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *Store) setLocked(key, value string, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.data[key] = record{value: value, expiresAt: exp}
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.data[key]; ok && !r.expired(time.Now()) {
		return store.ErrExists
	}
	s.setLocked(key, value, ttl)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) IncrDecimal(_ context.Context, key, delta string, ttl time.Duration) (string, error) {
	deltaDec, err := decimal.NewFromString(delta)
	if err != nil {
		return "", fmt.Errorf("memkv: incr %s: invalid delta %q: %w", key, delta, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := decimal.Zero
	if r, ok := s.data[key]; ok && !r.expired(time.Now()) {
		cur, err = decimal.NewFromString(r.value)
		if err != nil {
			return "", fmt.Errorf("memkv: incr %s: corrupt stored value %q: %w", key, r.value, err)
		}
	}

	next := cur.Add(deltaDec).String()
	s.setLocked(key, next, ttl)
	return next, nil
}

func (s *Store) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var keys []string
	for k, r := range s.data {
		if r.expired(now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) WriteGroup(_ context.Context, ops []store.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case store.OpSet:
			s.setLocked(op.Key, op.Value, op.TTL)
		case store.OpDelete:
			delete(s.data, op.Key)
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }
