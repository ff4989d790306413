package reaper

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type retryState struct {
	attempts int
	until    time.Time
}

// backoff parks trades whose transition keeps failing so the fixed-size
// batch moves on to later candidates. Delay doubles per failure from base up
// to limit.
type backoff struct {
	mu    sync.Mutex
	base  time.Duration
	limit time.Duration
	items map[uuid.UUID]retryState
}

func newBackoff(base, limit time.Duration) *backoff {
	return &backoff{base: base, limit: limit, items: make(map[uuid.UUID]retryState)}
}

// parked lists ids still waiting at now. Entries whose wait ended more than
// limit ago belong to trades no longer listed and are dropped.
func (b *backoff) parked(now time.Time) []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(b.items))
	for id, st := range b.items {
		switch {
		case now.Before(st.until):
			ids = append(ids, id)
		case now.Sub(st.until) > b.limit:
			delete(b.items, id)
		}
	}
	return ids
}

func (b *backoff) failed(id uuid.UUID, now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.items[id]
	delay := b.base
	for i := 0; i < st.attempts && delay < b.limit; i++ {
		delay *= 2
	}
	if delay > b.limit {
		delay = b.limit
	}
	st.attempts++
	st.until = now.Add(delay)
	b.items[id] = st
	return st.until
}

func (b *backoff) succeeded(id uuid.UUID) {
	b.mu.Lock()
	delete(b.items, id)
	b.mu.Unlock()
}

func (b *backoff) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
