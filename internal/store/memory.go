package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// MemoryStore is an in-process velocity store. State is sharded by key
// hash so concurrent users rarely contend on the same lock; a single
// process-wide lock would serialize every evaluation.
type MemoryStore struct {
	shards [shardCount]*shard
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	amounts  map[string]*amountEntry
	sets     map[string]*setEntry
	values   map[string]*valueEntry
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type amountEntry struct {
	amount    float64
	expiresAt time.Time
}

type setEntry struct {
	members   map[string]struct{}
	expiresAt time.Time
}

type valueEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory velocity store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{
			counters: make(map[string]*counterEntry),
			amounts:  make(map[string]*amountEntry),
			sets:     make(map[string]*setEntry),
			values:   make(map[string]*valueEntry),
		}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// IncrCounter atomically increments a counter, starting a fresh window
// when the key is absent or its TTL has elapsed.
func (s *MemoryStore) IncrCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	entry, ok := sh.counters[key]
	if !ok || now.After(entry.expiresAt) {
		sh.counters[key] = &counterEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// IncrAmount atomically adds to a float accumulator with counter TTL
// semantics.
func (s *MemoryStore) IncrAmount(ctx context.Context, key string, amount float64, window time.Duration) (float64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	entry, ok := sh.amounts[key]
	if !ok || now.After(entry.expiresAt) {
		sh.amounts[key] = &amountEntry{amount: amount, expiresAt: now.Add(window)}
		return amount, nil
	}

	entry.amount += amount
	return entry.amount, nil
}

// GetCounter returns the current counter value, 0 when absent or expired.
func (s *MemoryStore) GetCounter(ctx context.Context, key string) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.counters[key]
	if !ok {
		return 0, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(sh.counters, key)
		return 0, nil
	}
	return entry.count, nil
}

// GetAmount returns the current accumulator value, 0 when absent or expired.
func (s *MemoryStore) GetAmount(ctx context.Context, key string) (float64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.amounts[key]
	if !ok {
		return 0, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(sh.amounts, key)
		return 0, nil
	}
	return entry.amount, nil
}

// AddToSet adds a member and refreshes the set's TTL.
func (s *MemoryStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	entry, ok := sh.sets[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &setEntry{members: make(map[string]struct{})}
		sh.sets[key] = entry
	}
	entry.members[member] = struct{}{}
	entry.expiresAt = now.Add(ttl)
	return nil
}

// SetContains reports set membership, false for absent or expired sets.
func (s *MemoryStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.sets[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(sh.sets, key)
		return false, nil
	}
	_, found := entry.members[member]
	return found, nil
}

// SetValue stores a plain value with TTL.
func (s *MemoryStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.values[key] = &valueEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// GetValue returns a plain value and whether the key exists.
func (s *MemoryStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, ok := sh.values[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(sh.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the store.
func (s *MemoryStore) Close() error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.counters = make(map[string]*counterEntry)
		sh.amounts = make(map[string]*amountEntry)
		sh.sets = make(map[string]*setEntry)
		sh.values = make(map[string]*valueEntry)
		sh.mu.Unlock()
	}
	return nil
}
