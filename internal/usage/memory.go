package usage

import (
	"context"
	"sync"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

// MemoryLedger keeps counters in process. Suitable for tests and single
// instance deployments without Redis.
type MemoryLedger struct {
	mu      sync.Mutex
	buckets map[Key]Counters
	seen    map[string]string // callID -> day
	lastDay string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		buckets: make(map[Key]Counters),
		seen:    make(map[string]string),
	}
}

func (l *MemoryLedger) Add(_ context.Context, callID string, key Key, delta Counters) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if key.Day != l.lastDay {
		l.pruneSeen(key.Day)
		l.lastDay = key.Day
	}
	if callID != "" {
		if _, dup := l.seen[callID]; dup {
			return false, nil
		}
		l.seen[callID] = key.Day
	}

	c := l.buckets[key]
	c.Add(delta)
	l.buckets[key] = c
	return true, nil
}

func (l *MemoryLedger) Day(_ context.Context, userID, day string) (map[provider.ID]Counters, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[provider.ID]Counters)
	for k, c := range l.buckets {
		if k.UserID == userID && k.Day == day {
			out[k.Provider] = c
		}
	}
	return out, nil
}

// pruneSeen drops call ids from days older than the previous one.
func (l *MemoryLedger) pruneSeen(day string) {
	keep := l.lastDay
	for id, d := range l.seen {
		if d != day && d != keep {
			delete(l.seen, id)
		}
	}
}
