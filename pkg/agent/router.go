package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/commandqueue"
	"github.com/harun/kurir/pkg/draft"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/skills"
	"github.com/harun/kurir/pkg/tier"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxChain         = 8
	DefaultMaxResultChars   = 4000
	DefaultPreviewChars     = 160
	DefaultCompactThreshold = 20
	DefaultKeepRecent       = 10
)

const (
	chainLimitText = "I stopped after %d tool steps without reaching an answer. Say \"continue\" if you want me to keep going."
	apologyText    = "Sorry, I couldn't come up with a reply to that. Please try again."
)

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	// Provider serves the batch path, usually a Fallback of the API and CLI
	// providers.
	Provider Provider
	// Streamer is used with a draft when the caller passes an Output. Optional.
	Streamer StreamingProvider

	Store  session.Store
	Skills *skills.Registry
	Queue  *commandqueue.CommandQueue

	Policy     *skills.Policy
	Compactor  Compactor
	OnProgress ProgressFunc
	// SystemPrompt is read before every provider call so prompt reloads apply
	// to the next step.
	SystemPrompt func() string
	// LocalAvailable enables the local tier for greetings.
	LocalAvailable bool

	MaxChain         int
	MaxResultChars   int
	PreviewChars     int
	CompactThreshold int
	KeepRecent       int

	Draft  draft.Config
	Audit  *observability.AuditLog
	Logger zerolog.Logger
}

// Router turns one inbound message into provider calls and tool executions.
type Router struct {
	cfg    RouterConfig
	logger zerolog.Logger
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Skills == nil {
		return nil, errors.New("skill registry is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("command queue is required")
	}

	if cfg.MaxChain <= 0 {
		cfg.MaxChain = DefaultMaxChain
	}
	if cfg.MaxResultChars <= 0 {
		cfg.MaxResultChars = DefaultMaxResultChars
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = DefaultPreviewChars
	}
	if cfg.CompactThreshold <= 0 {
		cfg.CompactThreshold = DefaultCompactThreshold
	}
	if cfg.KeepRecent <= 0 || cfg.KeepRecent >= cfg.CompactThreshold {
		cfg.KeepRecent = min(DefaultKeepRecent, cfg.CompactThreshold/2)
	}
	if cfg.Compactor == nil {
		cfg.Compactor = ProviderCompactor{Provider: cfg.Provider}
	}
	cfg.Draft.Suppress = HasToolCallMarker

	observability.EnsureRegistered()

	return &Router{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "router").Logger(),
	}, nil
}

// Lane is the chat-lock lane of a conversation.
func Lane(conversationID string) string {
	return "conv:" + conversationID
}

// Handle runs one user message through the tool chain inside the
// conversation's chat lock. out, when not nil and a streamer is configured,
// receives a live draft of the reply. Only a failure of every provider is
// returned as an error; tool problems, empty replies and runaway chains end
// in an Outcome.
func (r *Router) Handle(ctx context.Context, conv Conversation, text string, out draft.Output) (Outcome, error) {
	if err := session.ValidateID(conv.ID); err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Outcome{}, errors.New("message cannot be empty")
	}

	ctx = tracing.NewRunContext(ctx, conv.ID)
	result, err := r.cfg.Queue.Enqueue(ctx, Lane(conv.ID), func(taskCtx context.Context) (interface{}, error) {
		return r.handleLocked(taskCtx, conv, text, out)
	}, &commandqueue.TaskOptions{WarnAfter: time.Minute})
	if err != nil {
		return Outcome{}, err
	}
	return result.(Outcome), nil
}

// Reset forgets a conversation's history and provider session.
func (r *Router) Reset(ctx context.Context, conversationID string) error {
	if err := session.ValidateID(conversationID); err != nil {
		return err
	}
	_, err := r.cfg.Queue.Enqueue(ctx, Lane(conversationID), func(taskCtx context.Context) (interface{}, error) {
		if err := r.cfg.Store.ClearTurns(taskCtx, conversationID); err != nil {
			return nil, err
		}
		return nil, r.cfg.Store.ClearSession(taskCtx, conversationID)
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to reset conversation %s: %w", conversationID, err)
	}
	r.logger.Info().Str("conversation_id", conversationID).Msg("Conversation reset")
	return nil
}

func (r *Router) handleLocked(ctx context.Context, conv Conversation, text string, out draft.Output) (outcome Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "kurir.agent", "router.handle",
		attribute.String("conversation_id", conv.ID),
		attribute.Bool("background", conv.Background),
	)
	defer func() {
		span.SetAttributes(attribute.Int("steps", outcome.Steps), attribute.String("outcome", string(outcome.Kind)))
		tracing.EndSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	current := tier.Select(text, tier.Context{Kind: tier.KindMessage, LocalAvailable: r.cfg.LocalAvailable})
	message := strings.TrimSpace(tier.StripOverride(text))
	if message == "" {
		message = strings.TrimSpace(text)
	}

	if err := r.cfg.Store.AddTurn(ctx, conv.ID, session.Turn{Role: session.RoleUser, Content: message}); err != nil {
		return Outcome{}, fmt.Errorf("failed to store message: %w", err)
	}

	var (
		steps     int
		retried   bool
		recovered EmptyReason
		// turns the provider session held after its last reply; -1 unknown
		seen = -1
	)
	for {
		observability.RecordTier(string(current))

		req, err := r.buildRequest(ctx, conv, current)
		if err != nil {
			return Outcome{}, err
		}
		if req.SessionToken != "" && seen >= 0 && seen < len(req.Turns) {
			req.Pending = len(req.Turns) - seen
		}

		resp, delivered, err := r.call(ctx, req, out)
		if err == nil {
			switch reply := resp.Reply.(type) {
			case nil:
				err = &EmptyResponseError{Provider: resp.Provider, Reason: EmptyNoResult}
			case FinalMessage:
				if reply.Blank() {
					err = &EmptyResponseError{Provider: resp.Provider, Reason: EmptyBlank}
				}
			}
		}

		if err != nil {
			empty, ok := IsEmptyResponse(err)
			if !ok {
				return Outcome{}, fmt.Errorf("provider call failed: %w", err)
			}
			if retried {
				observability.RecordEmptyRecovery(string(empty.Reason), false)
				logger.Warn().Str("reason", string(empty.Reason)).Msg("Empty response after retry, giving up")
				return r.finish(ctx, conv, Outcome{Kind: OutcomeApology, Text: apologyText, Steps: steps, Tier: current, Provider: empty.Provider}), nil
			}
			retried = true
			recovered = empty.Reason
			logger.Warn().
				Str("reason", string(empty.Reason)).
				Str("provider", empty.Provider).
				Msg("Empty response, clearing session and retrying")
			if err := r.cfg.Store.ClearSession(ctx, conv.ID); err != nil {
				return Outcome{}, fmt.Errorf("failed to clear session: %w", err)
			}
			seen = -1
			continue
		}

		if recovered != "" {
			observability.RecordEmptyRecovery(string(recovered), true)
			recovered = ""
		}
		if resp.SessionToken != "" && resp.SessionToken != req.SessionToken {
			if err := r.cfg.Store.SaveSession(ctx, conv.ID, resp.SessionToken); err != nil {
				return Outcome{}, fmt.Errorf("failed to save session: %w", err)
			}
		}
		seen = -1
		if resp.SessionToken != "" {
			seen = len(req.Turns)
		}

		switch reply := resp.Reply.(type) {
		case FinalMessage:
			return r.finish(ctx, conv, Outcome{
				Kind:      OutcomeFinal,
				Text:      reply.Text,
				Delivered: delivered,
				Steps:     steps,
				Tier:      current,
				Provider:  resp.Provider,
			}), nil

		case ToolCallRequest:
			if steps >= r.cfg.MaxChain {
				logger.Warn().Err(&ChainLimitExceeded{Limit: r.cfg.MaxChain}).Str("tool", reply.Tool).Msg("Tool chain stopped")
				return r.finish(ctx, conv, Outcome{
					Kind:     OutcomeChainLimit,
					Text:     fmt.Sprintf(chainLimitText, r.cfg.MaxChain),
					Steps:    steps,
					Tier:     current,
					Provider: resp.Provider,
				}), nil
			}
			steps++

			turn := r.runTool(ctx, conv, reply, steps)
			if err := r.cfg.Store.AddTurn(ctx, conv.ID, turn); err != nil {
				return Outcome{}, fmt.Errorf("failed to store tool result: %w", err)
			}
			current = tier.Select(message, tier.Context{Kind: tier.KindToolFollowup, LocalAvailable: r.cfg.LocalAvailable})
		}
	}
}

// buildRequest loads history, compacting it first when it has grown too long.
func (r *Router) buildRequest(ctx context.Context, conv Conversation, t tier.Tier) (Request, error) {
	turns, err := r.cfg.Store.GetTurns(ctx, conv.ID)
	if err != nil {
		return Request{}, fmt.Errorf("failed to load turns: %w", err)
	}
	turns, err = compact(ctx, r.cfg.Store, r.cfg.Compactor,
		compactionPolicy{Threshold: r.cfg.CompactThreshold, KeepRecent: r.cfg.KeepRecent},
		conv.ID, turns, r.logger)
	if err != nil {
		return Request{}, err
	}

	token, err := r.cfg.Store.GetSession(ctx, conv.ID)
	if err != nil {
		return Request{}, fmt.Errorf("failed to load session: %w", err)
	}

	prompt := ""
	if r.cfg.SystemPrompt != nil {
		prompt = r.cfg.SystemPrompt()
	}

	return Request{
		ConversationID: conv.ID,
		Tier:           t,
		SystemPrompt:   prompt,
		Turns:          turns,
		Skills:         r.offered(conv),
		SessionToken:   token,
	}, nil
}

// call asks the provider for the next reply. With an output and a streamer
// the reply is streamed into a draft; a failed stream falls back to the batch
// provider with the same request. delivered reports whether a final reply is
// already visible.
func (r *Router) call(ctx context.Context, req Request, out draft.Output) (resp Response, delivered bool, err error) {
	if r.cfg.Streamer == nil || out == nil {
		resp, err = r.cfg.Provider.Send(ctx, req)
		return resp, false, err
	}
	logger := tracing.LoggerFromContext(ctx, r.logger)

	d := draft.New(ctx, out, r.cfg.Draft, r.logger)
	resp, err = r.cfg.Streamer.Stream(ctx, req, func(delta string) {
		d.Update(delta)
	})
	if err != nil {
		if cerr := d.Cancel(); cerr != nil {
			logger.Debug().Err(cerr).Msg("Draft cleanup failed")
		}
		if ctx.Err() != nil {
			return Response{}, false, ctx.Err()
		}
		logger.Warn().Err(err).Msg("Stream failed, retrying through batch path")
		resp, err = r.cfg.Provider.Send(ctx, req)
		return resp, false, err
	}

	switch reply := resp.Reply.(type) {
	case FinalMessage:
		if reply.Blank() {
			if cerr := d.Cancel(); cerr != nil {
				logger.Debug().Err(cerr).Msg("Draft cleanup failed")
			}
			return resp, false, nil
		}
		if d.State() != draft.Active {
			return resp, false, nil
		}
		if err := d.Finalize(reply.Text); err != nil {
			logger.Warn().Err(err).Msg("Failed to finalize draft")
			return resp, false, nil
		}
		return resp, true, nil
	default:
		if serr := d.Suppress(); serr != nil {
			logger.Debug().Err(serr).Msg("Draft cleanup failed")
		}
		return resp, false, nil
	}
}

func (r *Router) finish(ctx context.Context, conv Conversation, outcome Outcome) Outcome {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := r.cfg.Store.AddTurn(ctx, conv.ID, session.Turn{Role: session.RoleAssistant, Content: outcome.Text}); err != nil {
		logger.Error().Err(err).Msg("Failed to store reply")
	}
	observability.RecordOutcome(string(outcome.Kind), outcome.Steps)

	logger.Info().
		Str("outcome", string(outcome.Kind)).
		Int("steps", outcome.Steps).
		Str("tier", string(outcome.Tier)).
		Str("provider", outcome.Provider).
		Bool("delivered", outcome.Delivered).
		Msg("Request finished")
	return outcome
}

// offered lists the skills this conversation may call.
func (r *Router) offered(conv Conversation) []*skills.Skill {
	all := r.cfg.Skills.List()
	out := make([]*skills.Skill, 0, len(all))
	for _, s := range all {
		if r.authorize(conv, s) == nil {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) authorize(conv Conversation, s *skills.Skill) error {
	switch {
	case !r.cfg.Policy.IsAllowed(s.Name):
		return &ToolDeniedError{Tool: s.Name, Reason: "not in the allowed tool list"}
	case s.AdminOnly && !conv.Admin:
		return &ToolDeniedError{Tool: s.Name, Reason: "admin only"}
	case conv.Background && s.Category == skills.CategoryUI:
		return &ToolDeniedError{Tool: s.Name, Reason: "ui tools are unavailable in background conversations"}
	}
	return nil
}

// runTool executes one call and returns the turn to feed back. It never
// fails: every problem becomes an error turn the model can react to.
func (r *Router) runTool(ctx context.Context, conv Conversation, call ToolCallRequest, step int) session.Turn {
	ctx, span := tracing.StartSpan(ctx, "kurir.agent", "router.tool",
		attribute.String("tool", call.Tool),
		attribute.Int("step", step),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", call.Tool).Int("step", step).Logger()

	output, err := r.execute(ctx, conv, call)
	tracing.EndSpan(span, err)

	if err != nil {
		logger.Warn().Err(err).Msg("Tool call failed")
		r.cfg.Audit.RecordTool(ctx, call.Tool, conv.ID, "error", map[string]interface{}{
			"step":  step,
			"error": err.Error(),
		})
		return session.Turn{Role: session.RoleUser, Content: r.toolErrorText(conv, call.Tool, err)}
	}

	result, truncated := skills.Truncate(output, r.cfg.MaxResultChars)
	logger.Debug().Int("bytes", len(output)).Bool("truncated", truncated).Msg("Tool call succeeded")
	r.cfg.Audit.RecordTool(ctx, call.Tool, conv.ID, "ok", map[string]interface{}{
		"step":      step,
		"bytes":     len(output),
		"truncated": truncated,
	})
	r.notify(ctx, conv.ID, call.Tool, output)

	return session.Turn{Role: session.RoleUser, Content: fmt.Sprintf("Tool %s result:\n%s", call.Tool, result)}
}

func (r *Router) execute(ctx context.Context, conv Conversation, call ToolCallRequest) (string, error) {
	s, err := r.cfg.Skills.Lookup(call.Tool)
	if err != nil {
		observability.RecordToolRejected("not_found")
		return "", &ToolNotFoundError{Tool: call.Tool}
	}
	if err := r.authorize(conv, s); err != nil {
		observability.RecordToolRejected("denied")
		return "", err
	}

	args, err := s.Validate(normalizeArgs(s, call.Args, conv.ID))
	if err != nil {
		observability.RecordToolRejected("invalid")
		return "", &ToolValidationError{Tool: call.Tool, Err: err}
	}

	// tools run to completion even if the request is cancelled meanwhile
	out, err := s.Execute(tracing.Detach(ctx), args)
	if err != nil {
		return "", &ToolExecutionError{Tool: call.Tool, Err: err}
	}
	return out, nil
}

func (r *Router) toolErrorText(conv Conversation, tool string, err error) string {
	var (
		notFound *ToolNotFoundError
		denied   *ToolDeniedError
		invalid  *ToolValidationError
		failed   *ToolExecutionError
	)
	detail := err.Error()
	switch {
	case errors.As(err, &notFound):
		names := []string{}
		for _, s := range r.offered(conv) {
			names = append(names, s.Name)
		}
		detail = "no such tool. Available: " + strings.Join(names, ", ")
	case errors.As(err, &denied):
		detail = "not permitted (" + denied.Reason + ")"
	case errors.As(err, &invalid):
		detail = invalid.Err.Error()
	case errors.As(err, &failed):
		detail = failed.Err.Error()
	}
	return fmt.Sprintf("Tool %s error: %s", tool, detail)
}

// notify fires the progress callback without waiting for it.
func (r *Router) notify(ctx context.Context, conversationID, tool, output string) {
	if r.cfg.OnProgress == nil {
		return
	}
	preview := tool + ": " + skills.Preview(output, r.cfg.PreviewChars)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Warn().Interface("panic", rec).Msg("Progress callback panicked")
			}
		}()
		r.cfg.OnProgress(conversationID, preview)
	}()
}
