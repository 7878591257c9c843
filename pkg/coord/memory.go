package coord

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It backs single-host
// deployments and tests; the semantics mirror RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	subs    map[*memSubscription]struct{}
	closed  bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // Zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an empty in-memory coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		subs:    make(map[*memSubscription]struct{}),
	}
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.entries, key)
		return false, nil
	}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	} else {
		entry.expiresAt = time.Time{}
	}
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for sub := range s.subs {
		if !sub.wants(channel) {
			continue
		}
		select {
		case sub.out <- msg:
		default:
			// Subscriber buffer full, drop (at-most-once delivery)
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &memSubscription{
		store:    s,
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan Message, 64),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		sub.once.Do(func() { close(sub.out) })
	}
	s.subs = make(map[*memSubscription]struct{})
	return nil
}

type memSubscription struct {
	store    *MemoryStore
	channels map[string]struct{}
	out      chan Message
	once     sync.Once
}

func (s *memSubscription) wants(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *memSubscription) Messages() <-chan Message {
	return s.out
}

func (s *memSubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if _, ok := s.store.subs[s]; ok {
		delete(s.store.subs, s)
		s.once.Do(func() { close(s.out) })
	}
	return nil
}
