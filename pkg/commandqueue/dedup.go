package commandqueue

import (
	"container/list"
	"sync"

	"github.com/harun/kurir/internal/observability"
)

// DefaultDedupCapacity bounds the recently-seen set when no size is configured.
const DefaultDedupCapacity = 1024

// Dedup remembers the most recent update ids and rejects repeats. Once full,
// the oldest id is evicted first.
type Dedup struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	maxSize int
}

func NewDedup(maxSize int) *Dedup {
	if maxSize <= 0 {
		maxSize = DefaultDedupCapacity
	}
	return &Dedup{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Seen atomically checks and marks id. It returns true when id was already
// marked, in which case the update must be dropped.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		observability.RecordDedupDropped()
		return true
	}

	if d.order.Len() >= d.maxSize {
		front := d.order.Front()
		d.order.Remove(front)
		delete(d.seen, front.Value.(string))
	}
	d.seen[id] = d.order.PushBack(id)
	return false
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
