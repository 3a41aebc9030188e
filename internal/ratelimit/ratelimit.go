// Package ratelimit throttles repeated check-in scans per user and event.
//
// Limiters are advisory: they smooth out double taps on a scanner and
// are never relied on for duplicate prevention.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Limiter interface {
	// Allow reports whether key may proceed now and records the attempt
	// when it may.
	Allow(ctx context.Context, key string) (bool, error)
}

// Sweeper is implemented by limiters that hold entries in process
// memory and need periodic cleanup.
type Sweeper interface {
	Sweep(now time.Time) int
}

func Key(userID, eventID uuid.UUID) string {
	return userID.String() + ":" + eventID.String()
}

type memoryEntry struct {
	limiter *rate.Limiter
	last    time.Time
}

// Memory allows one attempt per key per window. Entries untouched for
// longer than retention are dropped by Sweep.
type Memory struct {
	mu        sync.Mutex
	window    time.Duration
	retention time.Duration
	now       func() time.Time
	entries   map[string]*memoryEntry
}

func NewMemory(window, retention time.Duration) *Memory {
	return NewMemoryWithClock(window, retention, time.Now)
}

func NewMemoryWithClock(window, retention time.Duration, now func() time.Time) *Memory {
	if retention < window {
		retention = window
	}
	return &Memory{
		window:    window,
		retention: retention,
		now:       now,
		entries:   make(map[string]*memoryEntry),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		entry = &memoryEntry{limiter: rate.NewLimiter(rate.Every(m.window), 1)}
		m.entries[key] = entry
	}
	if !entry.limiter.AllowN(now, 1) {
		return false, nil
	}
	entry.last = now
	return true, nil
}

// Sweep removes entries whose last accepted attempt is older than the
// retention period and returns how many were removed.
func (m *Memory) Sweep(now time.Time) int {
	cutoff := now.Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.entries {
		if entry.last.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
