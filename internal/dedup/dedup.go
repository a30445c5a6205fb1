// Package dedup provides the at-most-once claim shared by every session.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Key identifies one action on one inbound event. Claims for different
// action kinds on the same event are independent.
type Key struct {
	AccountID string
	EventID   string
	Action    string
}

func (k Key) String() string {
	return "dedup:" + k.AccountID + ":" + k.EventID + ":" + k.Action
}

// Cache is the claim contract. TryClaim atomically records the key and
// returns true only when it was absent or expired; false means another
// handler already acted and the caller must no-op.
type Cache interface {
	TryClaim(ctx context.Context, key Key, ttl time.Duration) (bool, error)
}

// Memory is the in-process cache for single-process deployments. Claims
// expire lazily on access plus a periodic sweep.
type Memory struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) TryClaim(_ context.Context, key Key, ttl time.Duration) (bool, error) {
	k := key.String()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[k]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[k] = now.Add(ttl)
	return true, nil
}

// Sweep drops expired entries; returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, exp := range m.expires {
		if !now.Before(exp) {
			delete(m.expires, k)
			removed++
		}
	}
	return removed
}

// Run sweeps on an interval until the context is cancelled.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
