package commandqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harun/kurir/internal/observability"
)

// DefaultDebounceWindow is the burst window used when none is configured.
const DefaultDebounceWindow = 1500 * time.Millisecond

type burst struct {
	texts []string
	seq   int
	timer *time.Timer
	fired chan struct{}
	// wake is closed when a newer submission supersedes the current last one
	wake chan struct{}
}

// Debouncer coalesces rapid submissions for the same key. Every submission
// restarts the window; when it expires the last submitter receives all texts
// of the burst joined by newlines and every earlier submitter receives ok=false.
type Debouncer struct {
	window time.Duration
	mu     sync.Mutex
	bursts map[string]*burst
}

func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{
		window: window,
		bursts: make(map[string]*burst),
	}
}

// Submit blocks until the caller is either superseded (returns "", false) or
// its window expires (returns the merged text, true). If ctx ends while the
// caller is still the last submitter, the pending burst is dropped.
func (d *Debouncer) Submit(ctx context.Context, key, text string) (string, bool, error) {
	d.mu.Lock()
	b, ok := d.bursts[key]
	if !ok {
		b = &burst{fired: make(chan struct{})}
		d.bursts[key] = b
	}
	b.texts = append(b.texts, text)
	b.seq++
	mySeq := b.seq
	if b.wake != nil {
		close(b.wake)
		observability.RecordDebounceMerged()
	}
	wake := make(chan struct{})
	b.wake = wake
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d.window, func() { d.fire(key, b, mySeq) })
	d.mu.Unlock()

	select {
	case <-wake:
	case <-b.fired:
	case <-ctx.Done():
		d.mu.Lock()
		defer d.mu.Unlock()
		if b.seq == mySeq && d.bursts[key] == b {
			b.timer.Stop()
			delete(d.bursts, key)
			return "", false, ctx.Err()
		}
		return "", false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if b.seq != mySeq {
		return "", false, nil
	}
	return strings.Join(b.texts, "\n"), true, nil
}

func (d *Debouncer) fire(key string, b *burst, seq int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bursts[key] != b || b.seq != seq {
		return
	}
	delete(d.bursts, key)
	close(b.fired)
}

// Pending reports the number of keys with an open burst window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bursts)
}
