package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the per-user state kept between operations.
type State struct {
	WaitingForCustomLink bool     `json:"waiting_for_custom_link"`
	LastReferralLink     string   `json:"last_referral_link,omitempty"`
	BulkScanRunning      bool     `json:"bulk_scan_running"`
	// BulkScanID identifies the scan that owns BulkScanRunning.
	BulkScanID           string   `json:"bulk_scan_id,omitempty"`
	DiscoveredLinks      []string `json:"discovered_links,omitempty"`
}

// AddLink records link as discovered and reports whether it was new.
func (s *State) AddLink(link string) bool {
	if slices.Contains(s.DiscoveredLinks, link) {
		return false
	}
	s.DiscoveredLinks = append(s.DiscoveredLinks, link)
	return true
}

// Store keeps State per user. Get returns the zero State for an unknown user.
type Store interface {
	Get(ctx context.Context, userID string) (State, error)
	Put(ctx context.Context, userID string, state State) error
	Remove(ctx context.Context, userID string) error
}

type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[userID]
	st.DiscoveredLinks = slices.Clone(st.DiscoveredLinks)
	return st, nil
}

func (m *MemoryStore) Put(_ context.Context, userID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.DiscoveredLinks = slices.Clone(state.DiscoveredLinks)
	m.states[userID] = state
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
	return nil
}

const keyPrefix = "referral-probe:session:"

// RedisStore keeps State as JSON under referral-probe:session:<user>. Every
// Put refreshes the TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func sessionKey(userID string) string {
	return keyPrefix + userID
}

func (r *RedisStore) Get(ctx context.Context, userID string) (State, error) {
	var st State
	data, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return st, nil
		}
		return st, fmt.Errorf("failed to get session: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to decode session: %w", err)
	}
	return st, nil
}

func (r *RedisStore) Put(ctx context.Context, userID string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(userID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}
