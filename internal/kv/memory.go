package kv

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-process
// deployments. Semantics mirror the Redis implementation closely enough for
// the pipeline: TTL expiry, atomic CAS, list push/pop, cursor scans.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryEntry
	lists  map[string][]string
	wake   chan struct{}
	closed bool
}

type memoryEntry struct {
	value  string
	expiry time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryEntry),
		lists:  make(map[string][]string),
		wake:   make(chan struct{}, 1),
	}
}

func (s *MemoryStore) entry(key string, now time.Time) (memoryEntry, bool) {
	entry, ok := s.values[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiry.IsZero() && now.After(entry.expiry) {
		delete(s.values, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrUnavailable
	}
	entry, ok := s.entry(key, time.Now())
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	s.values[key] = memoryEntry{value: value, expiry: expiryFor(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrUnavailable
	}
	if _, ok := s.entry(key, time.Now()); ok {
		return false, nil
	}
	s.values[key] = memoryEntry{value: value, expiry: expiryFor(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key, expect, next string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrUnavailable
	}
	entry, ok := s.entry(key, time.Now())
	if expect == "" {
		if ok {
			return false, nil
		}
	} else if !ok || entry.value != expect {
		return false, nil
	}
	s.values[key] = memoryEntry{value: next, expiry: expiryFor(ttl)}
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrUnavailable
	}
	now := time.Now()
	var deleted int64
	for _, key := range keys {
		if _, ok := s.entry(key, now); ok {
			delete(s.values, key)
			deleted++
		}
		if _, ok := s.lists[key]; ok {
			delete(s.lists, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrUnavailable
	}
	entry, ok := s.entry(key, time.Now())
	current := int64(0)
	if ok {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current++
	expiry := entry.expiry
	if !ok {
		expiry = expiryFor(ttl)
	}
	s.values[key] = memoryEntry{value: strconv.FormatInt(current, 10), expiry: expiry}
	return current, nil
}

func (s *MemoryStore) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnavailable
	}
	for _, value := range values {
		s.lists[key] = append([]string{value}, s.lists[key]...)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *MemoryStore) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if list := s.lists[key]; len(list) > 0 {
			value := list[len(list)-1]
			s.lists[key] = list[:len(list)-1]
			s.mu.Unlock()
			return value, true, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return "", false, ErrUnavailable
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		wait := remaining
		if wait > 25*time.Millisecond {
			wait = 25 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrUnavailable
	}
	return int64(len(s.lists[key])), nil
}

// Scan walks the keyspace in sorted order using the cursor as an offset.
// Cursor stability across concurrent writes matches Redis' weak guarantees.
func (s *MemoryStore) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, ErrUnavailable
	}
	now := time.Now()
	keys := make([]string, 0, len(s.values)+len(s.lists))
	for key := range s.values {
		if _, ok := s.entry(key, now); ok {
			keys = append(keys, key)
		}
	}
	for key := range s.lists {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	matched := make([]string, 0, count)
	next := uint64(0)
	for i := int(cursor); i < len(keys); i++ {
		ok, err := path.Match(match, keys[i])
		if err != nil {
			return nil, 0, err
		}
		if ok {
			matched = append(matched, keys[i])
		}
		if int64(len(matched)) >= count {
			if i+1 < len(keys) {
				next = uint64(i + 1)
			}
			break
		}
	}
	return matched, next, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

var _ Store = (*MemoryStore)(nil)
