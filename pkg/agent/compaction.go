package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/tier"
	"github.com/rs/zerolog"
)

const summaryPrompt = "Summarize the conversation above in a few short paragraphs. " +
	"Keep names, decisions, open tasks and facts the assistant will need later. " +
	"Reply with the summary only."

// Compactor condenses old turns into summary text.
type Compactor interface {
	Summarize(ctx context.Context, conversationID string, turns []session.Turn) (string, error)
}

// ProviderCompactor asks a provider for the summary on the fast tier, without
// tools or a session token.
type ProviderCompactor struct {
	Provider Provider
}

func (c ProviderCompactor) Summarize(ctx context.Context, conversationID string, turns []session.Turn) (string, error) {
	if c.Provider == nil {
		return "", errors.New("no provider")
	}
	prompt := append(append([]session.Turn{}, turns...), session.Turn{Role: session.RoleUser, Content: summaryPrompt})

	resp, err := c.Provider.Send(ctx, Request{
		ConversationID: conversationID,
		Tier:           tier.Fast,
		Turns:          prompt,
	})
	if err != nil {
		return "", err
	}
	msg, ok := resp.Reply.(FinalMessage)
	if !ok || msg.Blank() {
		return "", errors.New("provider returned no summary")
	}
	return strings.TrimSpace(msg.Text), nil
}

// compactionPolicy decides when and how much history to fold.
type compactionPolicy struct {
	Threshold  int
	KeepRecent int
}

// compact rewrites the stored history as one summary turn followed by the
// most recent turns when it has grown past the threshold. The session token
// is cleared so a resumed provider context cannot disagree with the store.
func compact(ctx context.Context, store session.Store, c Compactor, policy compactionPolicy,
	id string, turns []session.Turn, logger zerolog.Logger) ([]session.Turn, error) {
	if policy.Threshold <= 0 || len(turns) <= policy.Threshold {
		return turns, nil
	}
	keep := policy.KeepRecent
	if keep >= len(turns) {
		return turns, nil
	}

	older := turns[:len(turns)-keep]
	recent := turns[len(turns)-keep:]
	logger = tracing.LoggerFromContext(ctx, logger)

	summary := ""
	if c != nil {
		s, err := c.Summarize(ctx, id, older)
		if err != nil {
			logger.Warn().Err(err).Msg("Summary failed, using turn count")
		} else {
			summary = s
		}
	}
	if summary == "" {
		summary = fmt.Sprintf("[Earlier conversation: %d turns compacted]", len(older))
	} else {
		summary = "[Summary of earlier conversation]\n" + summary
	}

	compacted := make([]session.Turn, 0, keep+1)
	compacted = append(compacted, session.Turn{Role: session.RoleUser, Content: summary})
	compacted = append(compacted, recent...)

	if err := store.ReplaceTurns(ctx, id, compacted); err != nil {
		return nil, fmt.Errorf("failed to replace turns: %w", err)
	}
	if err := store.ClearSession(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to clear session: %w", err)
	}

	observability.RecordCompaction()
	logger.Info().
		Int("before", len(turns)).
		Int("after", len(compacted)).
		Msg("Conversation compacted")

	return store.GetTurns(ctx, id)
}
