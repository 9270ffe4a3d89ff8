package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrClosed is returned for tasks enqueued after Close.
	ErrClosed = errors.New("command queue closed")
)

// Task runs inside its lane's critical section.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes one Enqueue call.
type TaskOptions struct {
	// WarnAfter logs a warning, and calls OnWait, when the task is still
	// queued after this long. Zero disables the check.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// Event is emitted synchronously on "enqueued" and "completed".
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// EventHandler receives queue events.
type EventHandler func(event Event)

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued int
	Busy   bool
}

type pending struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	done       chan outcome
}

type outcome struct {
	value interface{}
	err   error
}

// lane runs one task at a time in arrival order.
type lane struct {
	name    string
	mu      sync.Mutex
	waiting []*pending
	busy    bool
}

// CommandQueue serializes tasks per lane. A lane is a strict FIFO critical
// section, which is how conversations are locked. Different lanes run in
// parallel.
type CommandQueue struct {
	mu     sync.RWMutex
	lanes  map[string]*lane
	seq    int
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
}

// New creates a queue. Lanes are created on first use.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:    make(map[string]*lane),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]EventHandler),
	}
}

func (cq *CommandQueue) lookup(name string) (*lane, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	l, ok := cq.lanes[name]
	return l, ok
}

// Enqueue appends task to the lane and blocks until it has run. Tracing
// values on ctx are carried into the task; a ctx cancelled while the task is
// still waiting makes it return ctx.Err() without running.
func (cq *CommandQueue) Enqueue(ctx context.Context, laneName string, task Task, opts *TaskOptions) (result interface{}, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "kurir.commandqueue", "commandqueue.enqueue", attribute.String("lane", laneName))
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", laneName).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.seq++
	p := &pending{
		id:         fmt.Sprintf("%s-%d", laneName, cq.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		done:       make(chan outcome, 1),
	}
	l, ok := cq.lanes[laneName]
	if !ok {
		l = &lane{name: laneName}
		cq.lanes[laneName] = l
	}
	l.mu.Lock()
	l.waiting = append(l.waiting, p)
	queued := len(l.waiting)
	l.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().Str("task_id", p.id).Int("queued", queued).Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneName, queued)
	cq.emit(Event{Type: "enqueued", Lane: laneName, TaskID: p.id, Data: map[string]interface{}{"queueSize": queued}})

	if opts != nil && opts.WarnAfter > 0 {
		go cq.warnIfWaiting(l, p, *opts)
	}

	cq.next(l)

	res := <-p.done
	return res.value, res.err
}

// next starts the head of the lane when nothing is running.
func (cq *CommandQueue) next(l *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.busy || len(l.waiting) == 0 {
		return
	}
	p := l.waiting[0]
	l.waiting = l.waiting[1:]
	l.busy = true

	cq.wg.Add(1)
	go cq.run(l, p)
}

func (cq *CommandQueue) run(l *lane, p *pending) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(p.ctx, "kurir.commandqueue", "commandqueue.run",
		attribute.String("lane", l.name),
		attribute.String("task_id", p.id),
	)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", l.name).Logger()

	// Close cancels whatever is running
	runCtx, cancel := context.WithCancel(taskCtx)
	stop := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	var res outcome
	if res.err = runCtx.Err(); res.err == nil {
		res.value, res.err = p.task(runCtx)
	}
	duration := time.Since(start)

	stop()
	cancel()
	tracing.EndSpan(span, res.err)

	l.mu.Lock()
	l.busy = false
	queued := len(l.waiting)
	l.mu.Unlock()

	p.done <- res

	if res.err != nil {
		logger.Warn().Str("task_id", p.id).Dur("duration", duration).Err(res.err).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", p.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(l.name, duration, res.err == nil, queued)
	cq.emit(Event{
		Type:   "completed",
		Lane:   l.name,
		TaskID: p.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  res.err == nil,
		},
	})

	cq.next(l)
}

func (cq *CommandQueue) warnIfWaiting(l *lane, p *pending, opts TaskOptions) {
	timer := time.NewTimer(opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	l.mu.Lock()
	pos := -1
	for i, q := range l.waiting {
		if q == p {
			pos = i
			break
		}
	}
	l.mu.Unlock()
	if pos < 0 {
		return
	}

	wait := time.Since(p.enqueuedAt)
	log.Warn().
		Str("lane", l.name).
		Str("task_id", p.id).
		Dur("wait", wait).
		Int("queue_pos", pos).
		Msg("Task waiting longer than expected")
	if opts.OnWait != nil {
		opts.OnWait(wait, pos)
	}
}

// QueueSize returns how many tasks wait behind the running one.
func (cq *CommandQueue) QueueSize(laneName string) int {
	l, ok := cq.lookup(laneName)
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting)
}

// Busy reports whether a task of the lane is running.
func (cq *CommandQueue) Busy(laneName string) bool {
	l, ok := cq.lookup(laneName)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}

// Stats returns a snapshot of every known lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, l := range cq.lanes {
		l.mu.Lock()
		stats[name] = LaneStats{Queued: len(l.waiting), Busy: l.busy}
		l.mu.Unlock()
	}
	return stats
}

// ClearLane rejects the waiting (not running) tasks of a lane with
// ErrLaneCleared and returns how many there were.
func (cq *CommandQueue) ClearLane(laneName string) int {
	l, ok := cq.lookup(laneName)
	if !ok {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.waiting)
	for _, p := range l.waiting {
		p.done <- outcome{err: ErrLaneCleared}
	}
	l.waiting = nil

	log.Info().Str("lane", laneName).Int("cleared", n).Msg("Lane cleared")
	observability.SetQueueSize(laneName, 0)
	return n
}

// PruneIdle forgets lanes with nothing queued or running and returns how many
// were removed. Conversation lanes are created per chat, so the daemon calls
// this periodically.
func (cq *CommandQueue) PruneIdle() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	removed := 0
	for name, l := range cq.lanes {
		l.mu.Lock()
		idle := !l.busy && len(l.waiting) == 0
		l.mu.Unlock()
		if idle {
			delete(cq.lanes, name)
			observability.ForgetLane(name)
			removed++
		}
	}
	return removed
}

// Drain waits until every lane is idle or timeout passes. It reports whether
// the queue drained.
func (cq *CommandQueue) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		for _, s := range cq.Stats() {
			if s.Busy || s.Queued > 0 {
				idle = false
				break
			}
		}
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for lanes to drain")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks, rejects waiting ones and waits for workers to
// exit.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for _, l := range cq.lanes {
		l.mu.Lock()
		for _, p := range l.waiting {
			p.done <- outcome{err: ErrClosed}
		}
		l.waiting = nil
		l.mu.Unlock()
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers handler for an event type.
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	cq.handlers[eventType] = append(cq.handlers[eventType], handler)
}

// Off removes all handlers for the event type.
func (cq *CommandQueue) Off(eventType string) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	delete(cq.handlers, eventType)
}

func (cq *CommandQueue) emit(event Event) {
	cq.handlersMu.RLock()
	handlers := cq.handlers[event.Type]
	cq.handlersMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
