package rbc

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/dantte-lp/arbcast/internal/wire"
)

// defaultDeliveryLogSize is the retained-deliveries ring capacity.
const defaultDeliveryLogSize = 256

// Delivery is one record in the recent-deliveries ring.
type Delivery struct {
	// ID is the delivered broadcast identifier.
	ID wire.Identifier

	// Payload is the delivered application payload.
	Payload []byte

	// Time is when delivery happened at this node.
	Time time.Time
}

// deliveryLog is a bounded ring of the most recent deliveries, consumed
// by the admin API and arbcastctl monitor.
type deliveryLog struct {
	mu      sync.Mutex
	entries []Delivery
	next    int
	full    bool
}

func newDeliveryLog(capacity int) *deliveryLog {
	if capacity < 1 {
		capacity = 1
	}
	return &deliveryLog{entries: make([]Delivery, capacity)}
}

// add records one delivery, evicting the oldest when full.
func (l *deliveryLog) add(id wire.Identifier, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = Delivery{
		ID:      id,
		Payload: append([]byte(nil), payload...),
		Time:    time.Now(),
	}
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// recent returns up to limit entries, newest first. limit <= 0 returns
// everything retained.
func (l *deliveryLog) recent(limit int) []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Delivery, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// sortSnapshots orders snapshots by (sender, sequence) for deterministic
// listings.
func sortSnapshots(snaps []Snapshot) {
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		if c := cmp.Compare(a.ID.Sender, b.ID.Sender); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.Sequence, b.ID.Sequence)
	})
}
