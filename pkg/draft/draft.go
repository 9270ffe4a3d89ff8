// Package draft shows a streamed reply as one message that is edited in
// place while text arrives.
//
// A Draft starts ACTIVE and ends in exactly one terminal state:
// SUPPRESSED (a tool call showed up, nothing stays visible), FINALIZED (the
// final text is on screen) or CANCELLED (the stream failed, the message is
// removed). Calls after a terminal state are no-ops.
package draft

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/rs/zerolog"
)

// State of a draft.
type State string

const (
	Active     State = "active"
	Suppressed State = "suppressed"
	Finalized  State = "finalized"
	Cancelled  State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s != Active
}

// Output is where drafts are rendered.
type Output interface {
	Send(ctx context.Context, text string) (messageID string, err error)
	Edit(ctx context.Context, messageID, text string) error
	Delete(ctx context.Context, messageID string) error
}

// Config controls flush throttling.
type Config struct {
	// MinInterval is the minimum time between two flushes.
	MinInterval time.Duration
	// MinChars is how much visible text must exist before the first send.
	MinChars int
	// Suppress reports whether the accumulated text contains a tool call.
	Suppress func(accumulated string) bool
}

func DefaultConfig() Config {
	return Config{
		MinInterval: time.Second,
		MinChars:    40,
	}
}

// Draft is safe for concurrent use.
type Draft struct {
	ctx    context.Context
	out    Output
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	buf       strings.Builder
	shown     string
	messageID string
	lastFlush time.Time
}

// New binds a draft to out. ctx is used for every Output call.
func New(ctx context.Context, out Output, cfg Config, logger zerolog.Logger) *Draft {
	defaults := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaults.MinInterval
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = defaults.MinChars
	}
	observability.EnsureRegistered()

	return &Draft{
		ctx:    ctx,
		out:    out,
		cfg:    cfg,
		logger: logger.With().Str("component", "draft").Logger(),
		now:    time.Now,
		state:  Active,
	}
}

// Update appends delta and flushes when the throttle allows. It returns the
// state after the update.
func (d *Draft) Update(delta string) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Active {
		return d.state
	}
	d.buf.WriteString(delta)
	text := d.buf.String()

	if d.cfg.Suppress != nil && d.cfg.Suppress(text) {
		d.suppressLocked()
		return d.state
	}

	visible := visiblePrefix(text)
	if len(strings.TrimSpace(visible)) < d.cfg.MinChars || visible == d.shown {
		return d.state
	}
	if !d.lastFlush.IsZero() && d.now().Sub(d.lastFlush) < d.cfg.MinInterval {
		return d.state
	}
	d.flushLocked(visible)
	return d.state
}

// Finalize replaces the draft with text, sending it if nothing was shown yet.
func (d *Draft) Finalize(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Active {
		return nil
	}
	d.state = Finalized
	observability.RecordDraft(string(Finalized))

	if d.messageID == "" {
		id, err := d.out.Send(d.ctx, text)
		if err != nil {
			return err
		}
		d.messageID = id
		d.shown = text
		return nil
	}
	if text == d.shown {
		return nil
	}
	if err := d.out.Edit(d.ctx, d.messageID, text); err != nil {
		return err
	}
	d.shown = text
	return nil
}

// Cancel removes anything already shown.
func (d *Draft) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Active {
		return nil
	}
	d.state = Cancelled
	observability.RecordDraft(string(Cancelled))
	return d.deleteLocked()
}

// Suppress hides the draft because the model is calling a tool.
func (d *Draft) Suppress() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Active {
		return nil
	}
	return d.suppressLocked()
}

func (d *Draft) suppressLocked() error {
	d.state = Suppressed
	observability.RecordDraft(string(Suppressed))
	d.logger.Debug().Msg("Tool call detected, draft suppressed")
	return d.deleteLocked()
}

func (d *Draft) deleteLocked() error {
	if d.messageID == "" {
		return nil
	}
	id := d.messageID
	d.messageID = ""
	d.shown = ""
	if err := d.out.Delete(d.ctx, id); err != nil {
		d.logger.Warn().Err(err).Str("message_id", id).Msg("Failed to delete draft")
		return err
	}
	return nil
}

func (d *Draft) flushLocked(visible string) {
	d.lastFlush = d.now()

	if d.messageID == "" {
		id, err := d.out.Send(d.ctx, visible)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to send draft")
			return
		}
		d.messageID = id
		d.shown = visible
		return
	}
	if err := d.out.Edit(d.ctx, d.messageID, visible); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to edit draft")
		return
	}
	d.shown = visible
}

// MessageID is the id of the visible message, or "" when nothing is shown.
func (d *Draft) MessageID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messageID
}

func (d *Draft) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Text returns everything received so far.
func (d *Draft) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.String()
}

// visiblePrefix holds back everything from the first '{' so a tool call that
// is still being written never reaches the user.
func visiblePrefix(text string) string {
	if i := strings.IndexByte(text, '{'); i >= 0 {
		return strings.TrimRight(text[:i], " \t\n")
	}
	return text
}
