package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/agent"
	"github.com/harun/kurir/pkg/commandqueue"
	"github.com/harun/kurir/pkg/draft"
	"github.com/rs/zerolog"
)

// Core is the conversation engine behind the pipeline, normally *agent.Router.
type Core interface {
	Handle(ctx context.Context, conv agent.Conversation, text string, out draft.Output) (agent.Outcome, error)
	Reset(ctx context.Context, conversationID string) error
}

// Pipeline is the ingress path: duplicate updates are dropped, bursts are
// merged per conversation, and the result goes through the core. It
// implements telegram.Dispatcher.
type Pipeline struct {
	core      Core
	dedup     *commandqueue.Dedup
	debouncer *commandqueue.Debouncer
	transport string
	logger    zerolog.Logger
}

// NewPipeline wires core behind dedup and debounce. A zero debounce window
// disables merging.
func NewPipeline(core Core, transport string, debounce time.Duration, dedupSize int, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		core:      core,
		dedup:     commandqueue.NewDedup(dedupSize),
		transport: transport,
		logger:    logger.With().Str("component", "pipeline").Str("transport", transport).Logger(),
	}
	if debounce > 0 {
		p.debouncer = commandqueue.NewDebouncer(debounce)
	}
	observability.EnsureRegistered()
	return p
}

// Dispatch runs one inbound message. key identifies the update; an empty key
// skips duplicate detection. A message merged into a later one returns nil
// without a reply.
func (p *Pipeline) Dispatch(ctx context.Context, key string, conv agent.Conversation, text string, out draft.Output) error {
	ctx = tracing.NewRequestContext(ctx)
	requestID := key
	if requestID == "" {
		requestID = tracing.NewRequestID()
	}
	ctx = tracing.WithRequestID(ctx, requestID)
	logger := tracing.LoggerFromContext(ctx, p.logger).With().Str("conversation_id", conv.ID).Logger()

	if key != "" && p.dedup.Seen(key) {
		logger.Debug().Str("key", key).Msg("Duplicate update dropped")
		observability.RecordInbound(p.transport, "duplicate")
		return nil
	}

	if p.debouncer != nil {
		merged, last, err := p.debouncer.Submit(ctx, conv.ID, text)
		if err != nil {
			return err
		}
		if !last {
			logger.Debug().Msg("Message merged into a later one")
			observability.RecordInbound(p.transport, "merged")
			return nil
		}
		text = merged
	}

	if _, err := p.run(ctx, conv, text, out); err != nil {
		observability.RecordInbound(p.transport, "failed")
		return err
	}
	observability.RecordInbound(p.transport, "handled")
	return nil
}

// RunBackground sends text into conv without dedup or debounce, for
// scheduled jobs.
func (p *Pipeline) RunBackground(ctx context.Context, conv agent.Conversation, text string, out draft.Output) (agent.Outcome, error) {
	conv.Background = true
	ctx = tracing.NewRequestContext(ctx)
	return p.run(ctx, conv, text, out)
}

// Reset clears a conversation.
func (p *Pipeline) Reset(ctx context.Context, conversationID string) error {
	return p.core.Reset(ctx, conversationID)
}

func (p *Pipeline) run(ctx context.Context, conv agent.Conversation, text string, out draft.Output) (agent.Outcome, error) {
	outcome, err := p.core.Handle(ctx, conv, text, out)
	if err != nil {
		return outcome, fmt.Errorf("failed to handle message for %s: %w", conv.ID, err)
	}

	if !outcome.Delivered && outcome.Text != "" && out != nil {
		if _, err := out.Send(ctx, outcome.Text); err != nil {
			return outcome, fmt.Errorf("failed to deliver reply to %s: %w", conv.ID, err)
		}
	}

	logger := tracing.LoggerFromContext(ctx, p.logger)
	logger.Info().
		Str("conversation_id", conv.ID).
		Str("outcome", string(outcome.Kind)).
		Str("tier", string(outcome.Tier)).
		Str("provider", outcome.Provider).
		Int("steps", outcome.Steps).
		Bool("streamed", outcome.Delivered).
		Msg("Message handled")
	return outcome, nil
}
