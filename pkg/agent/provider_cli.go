package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/tier"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
)

const stderrTail = 2048

// CLIConfig configures the subprocess provider.
type CLIConfig struct {
	Command string
	Args    []string
	// Env is appended to the daemon's environment.
	Env     []string
	WorkDir string
	Models  map[tier.Tier]string

	// StallTimeout kills the process when it prints nothing for this long.
	StallTimeout time.Duration
	// HardTimeout bounds the whole run.
	HardTimeout time.Duration
}

func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		Command:      "claude",
		Args:         []string{"-p", "--output-format", "stream-json", "--verbose", "--include-partial-messages"},
		StallTimeout: 90 * time.Second,
		HardTimeout:  10 * time.Minute,
	}
}

// CLIProvider runs one subprocess per request and reads its newline-delimited
// JSON event stream. It can resume provider-side sessions.
type CLIProvider struct {
	cfg    CLIConfig
	logger zerolog.Logger
}

func NewCLIProvider(cfg CLIConfig, logger zerolog.Logger) (*CLIProvider, error) {
	defaults := DefaultCLIConfig()
	if cfg.Command == "" {
		cfg.Command = defaults.Command
		if cfg.Args == nil {
			cfg.Args = defaults.Args
		}
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaults.StallTimeout
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = defaults.HardTimeout
	}
	if cfg.StallTimeout > cfg.HardTimeout {
		return nil, fmt.Errorf("stall timeout %s exceeds hard timeout %s", cfg.StallTimeout, cfg.HardTimeout)
	}

	observability.EnsureRegistered()
	return &CLIProvider{
		cfg:    cfg,
		logger: logger.With().Str("component", "provider_cli").Logger(),
	}, nil
}

func (p *CLIProvider) Name() string {
	return "cli"
}

func (p *CLIProvider) Send(ctx context.Context, req Request) (Response, error) {
	return p.run(ctx, req, nil)
}

func (p *CLIProvider) Stream(ctx context.Context, req Request, onDelta func(text string)) (Response, error) {
	return p.run(ctx, req, onDelta)
}

func (p *CLIProvider) args(req Request) []string {
	args := append([]string{}, p.cfg.Args...)
	if model, _, ok := nearestTier(p.cfg.Models, req.Tier); ok && model != "" {
		args = append(args, "--model", model)
	}
	if req.SessionToken != "" {
		args = append(args, "--resume", req.SessionToken)
	}
	return args
}

func (p *CLIProvider) run(ctx context.Context, req Request, onDelta func(string)) (resp Response, err error) {
	mode := "batch"
	if onDelta != nil {
		mode = "stream"
	}

	ctx, span := tracing.StartSpan(ctx, "kurir.agent", "provider.cli",
		attribute.String("tier", string(req.Tier)),
		attribute.String("mode", mode),
		attribute.Bool("resume", req.SessionToken != ""),
	)
	start := time.Now()
	defer func() {
		observability.RecordProviderCall(p.Name(), mode, time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.HardTimeout)
	defer cancel()

	var stalled atomic.Bool
	stall := time.AfterFunc(p.cfg.StallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer stall.Stop()

	cmd := exec.CommandContext(runCtx, p.cfg.Command, p.args(req)...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stdin = strings.NewReader(renderPrompt(req))
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Kind: KindSpawn, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Kind: KindSpawn, Err: err}
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Str("mode", mode).Msg("Provider process started")

	parser := &streamParser{onDelta: onDelta}
	splitter := NewLineSplitter(0)
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := stdout.Read(chunk)
		if n > 0 && !stalled.Load() {
			stall.Reset(p.cfg.StallTimeout)
			for _, line := range splitter.Push(chunk[:n]) {
				parser.handle(line)
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, os.ErrClosed) {
				logger.Debug().Err(readErr).Msg("Provider stdout read ended")
			}
			break
		}
	}
	if rest := splitter.Flush(); rest != "" {
		parser.handle(rest)
	}
	waitErr := cmd.Wait()

	switch {
	case stalled.Load():
		return Response{}, &ProviderError{Provider: p.Name(), Kind: KindStall,
			Err: fmt.Errorf("no output for %s", p.cfg.StallTimeout)}
	case ctx.Err() != nil:
		return Response{}, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Response{}, &ProviderError{Provider: p.Name(), Kind: KindTimeout,
			Err: fmt.Errorf("run exceeded %s", p.cfg.HardTimeout)}
	case waitErr != nil:
		return Response{}, &ProviderError{Provider: p.Name(), Kind: KindExit,
			Err: fmt.Errorf("%w: %s", waitErr, tail(stderr.String(), stderrTail))}
	}

	if parser.malformed > 0 {
		logger.Warn().Int("lines", parser.malformed).Msg("Skipped malformed provider output")
	}
	if !parser.gotResult {
		if parser.malformed > 0 && parser.events == 0 {
			return Response{}, &ProviderError{Provider: p.Name(), Kind: KindMalformed,
				Err: fmt.Errorf("%d unparseable lines and no events", parser.malformed)}
		}
		return Response{}, &EmptyResponseError{Provider: p.Name(), Reason: EmptyNoResult}
	}
	if parser.isError {
		return Response{}, &ProviderError{Provider: p.Name(), Kind: KindAPI,
			Err: errors.New(tail(parser.result, stderrTail))}
	}

	text := parser.result
	if strings.TrimSpace(text) == "" {
		text = parser.deltas.String()
	}

	var reply Reply = FinalMessage{Text: text}
	if call, ok := ExtractToolCall(text); ok {
		reply = call
	}

	return Response{
		Reply:        reply,
		SessionToken: parser.sessionID,
		Provider:     p.Name(),
		Usage:        parser.usage,
	}, nil
}

// streamParser interprets provider events in order.
type streamParser struct {
	onDelta func(string)

	deltas    strings.Builder
	result    string
	sessionID string
	isError   bool
	gotResult bool
	usage     Usage
	events    int
	malformed int
}

func (sp *streamParser) handle(line string) {
	if !gjson.Valid(line) {
		sp.malformed++
		return
	}
	sp.events++

	ev := gjson.Parse(line)
	if ev.Get("type").String() == "stream_event" {
		ev = ev.Get("event")
	}
	if id := ev.Get("session_id").String(); id != "" {
		sp.sessionID = id
	}

	switch ev.Get("type").String() {
	case "content_block_delta":
		text := ev.Get("delta.text").String()
		if text == "" {
			return
		}
		sp.deltas.WriteString(text)
		if sp.onDelta != nil {
			sp.onDelta(text)
		}
	case "result":
		sp.gotResult = true
		sp.result = ev.Get("result").String()
		sp.isError = ev.Get("is_error").Bool()
		sp.usage = Usage{
			InputTokens:  int(ev.Get("usage.input_tokens").Int()),
			OutputTokens: int(ev.Get("usage.output_tokens").Int()),
		}
	case "message_start":
		// informational
	}
}

// renderPrompt writes the request as plain text for the subprocess. A resumed
// session already holds the earlier conversation, so only the turns it has
// not seen are sent.
func renderPrompt(req Request) string {
	if req.SessionToken != "" {
		pending := unseenTurns(req)
		parts := make([]string, 0, len(pending))
		for _, t := range pending {
			parts = append(parts, t.Content)
		}
		return strings.Join(parts, "\n\n")
	}

	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	}
	if tools := toolInstructions(req.Skills); tools != "" {
		b.WriteString(tools)
		b.WriteString("\n")
	}
	for _, t := range req.Turns {
		if t.Role == session.RoleAssistant {
			b.WriteString("Assistant: ")
		} else {
			b.WriteString("User: ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func unseenTurns(req Request) []session.Turn {
	turns := req.Turns
	if req.Pending > 0 && req.Pending <= len(turns) {
		return turns[len(turns)-req.Pending:]
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == session.RoleAssistant {
			return turns[i+1:]
		}
	}
	return turns
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
