package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docket-ai/docket/pkg/models"
)

// Memory is the in-process Tracker used when no Redis URL is configured.
// A background sweep removes expired entries so idle reviews do not pin
// memory between requests.
type Memory struct {
	mu      sync.RWMutex
	reviews map[string]map[string]time.Time

	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewMemory starts a memory tracker with the default TTL.
func NewMemory() *Memory {
	m := &Memory{
		reviews: make(map[string]map[string]time.Time),
		ttl:     TTL,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Memory) Heartbeat(_ context.Context, reviewID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.reviews[reviewID]
	if !ok {
		users = make(map[string]time.Time)
		m.reviews[reviewID] = users
	}
	users[userID] = m.now().UTC()
	return nil
}

func (m *Memory) Active(_ context.Context, reviewID string) ([]models.PresenceEntry, error) {
	cutoff := m.now().UTC().Add(-m.ttl)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PresenceEntry
	for userID, seen := range m.reviews[reviewID] {
		if seen.After(cutoff) {
			out = append(out, models.PresenceEntry{UserID: userID, ReviewID: reviewID, LastSeen: seen})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].LastSeen.Before(out[j].LastSeen)
	})
	return out, nil
}

// Close stops the sweep goroutine. Safe to call more than once.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	cutoff := m.now().UTC().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for reviewID, users := range m.reviews {
		for userID, seen := range users {
			if !seen.After(cutoff) {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(m.reviews, reviewID)
		}
	}
}
