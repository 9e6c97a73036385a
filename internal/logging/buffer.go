package logging

import "sync"

// ShipBuffer is a bounded queue of log entries awaiting shipment. When the
// buffer is full the oldest entry is dropped, so a broken shipper can never
// grow memory without bound or block the logger.
type ShipBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	cap     int
	dropped int64
}

// NewShipBuffer creates a buffer holding at most capacity entries.
func NewShipBuffer(capacity int) *ShipBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ShipBuffer{cap: capacity}
}

// Push appends an entry, evicting the oldest one beyond capacity.
func (b *ShipBuffer) Push(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.cap {
		b.entries = b.entries[1:]
		b.dropped++
	}
	b.entries = append(b.entries, entry)
}

// Drain removes and returns all buffered entries.
func (b *ShipBuffer) Drain() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	return out
}

// Len returns the number of buffered entries.
func (b *ShipBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many entries were evicted since creation.
func (b *ShipBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
