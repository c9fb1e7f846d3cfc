package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no remote cache service
// is configured, and in tests. A single mutex serializes every
// operation, which is what makes Incr linearizable here.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memoryEntry
	sets    map[string]memorySet
	nowFunc func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]memoryEntry),
		sets:    make(map[string]memorySet),
		nowFunc: time.Now,
	}
}

// SetClock overrides the time source. Used in tests for window and TTL
// behavior.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok || s.expired(entry.expiresAt) {
		delete(s.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.nowFunc().Add(ttl)
	}
	s.values[key] = memoryEntry{value: value, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if entry, ok := s.values[key]; ok && !s.expired(entry.expiresAt) {
			deleted++
		}
		delete(s.values, key)
		if set, ok := s.sets[key]; ok && !s.expired(set.expiresAt) {
			deleted++
		}
		delete(s.sets, key)
	}
	return deleted, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok || s.expired(entry.expiresAt) {
		s.values[key] = memoryEntry{value: "1"}
		return 1, nil
	}

	n, _ := strconv.ParseInt(entry.value, 10, 64)
	n++
	entry.value = strconv.FormatInt(n, 10)
	s.values[key] = entry
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.values[key]; ok {
		entry.expiresAt = s.nowFunc().Add(ttl)
		s.values[key] = entry
	}
	if set, ok := s.sets[key]; ok {
		set.expiresAt = s.nowFunc().Add(ttl)
		s.sets[key] = set
	}
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok || s.expired(entry.expiresAt) {
		return -2 * time.Second, nil
	}
	if entry.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return entry.expiresAt.Sub(s.nowFunc()), nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok || s.expired(set.expiresAt) {
		set = memorySet{members: make(map[string]struct{})}
	}
	for _, m := range members {
		set.members[m] = struct{}{}
	}
	s.sets[key] = set
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok || s.expired(set.expiresAt) {
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && s.nowFunc().After(at)
}
