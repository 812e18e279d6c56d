package worker

import (
	"sync"
	"time"
)

const logRingCapacity = 500

// LogRow is one entry of the bounded agent log, mirrored to the shell's
// log stream.
type LogRow struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"` // INFO, WARN, ERROR
	Message string    `json:"message"`
}

// logRing keeps the last logRingCapacity rows and fans new rows out to
// subscribers. Slow subscribers drop rows rather than block the worker.
type logRing struct {
	mu     sync.Mutex
	rows   []LogRow
	subs   map[int]chan LogRow
	nextID int
}

func newLogRing() *logRing {
	return &logRing{subs: make(map[int]chan LogRow)}
}

func (r *logRing) Append(row LogRow) {
	r.mu.Lock()
	r.rows = append(r.rows, row)
	if len(r.rows) > logRingCapacity {
		r.rows = r.rows[len(r.rows)-logRingCapacity:]
	}
	for _, ch := range r.subs {
		select {
		case ch <- row:
		default:
		}
	}
	r.mu.Unlock()
}

// Rows returns a copy of the buffered rows, oldest first.
func (r *logRing) Rows() []LogRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogRow, len(r.rows))
	copy(out, r.rows)
	return out
}

// Subscribe registers a live row feed. The returned cancel func must be
// called to release the subscription.
func (r *logRing) Subscribe() (<-chan LogRow, func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	ch := make(chan LogRow, 64)
	r.subs[id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}
