package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/harun/kurir/pkg/commandqueue"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/skills"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type step func(req Request) (Response, error)

func final(text string) step {
	return func(Request) (Response, error) {
		return Response{Reply: FinalMessage{Text: text}, Provider: "fake"}, nil
	}
}

func toolCall(tool string, args map[string]interface{}) step {
	return func(Request) (Response, error) {
		return Response{Reply: ToolCallRequest{Tool: tool, Args: args}, Provider: "fake"}, nil
	}
}

func failWith(err error) step {
	return func(Request) (Response, error) {
		return Response{}, err
	}
}

// scriptedProvider replays steps in order; the last step repeats.
type scriptedProvider struct {
	name  string
	steps []step

	mu       sync.Mutex
	requests []Request
}

func newScripted(steps ...step) *scriptedProvider {
	return &scriptedProvider{name: "fake", steps: steps}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Send(_ context.Context, req Request) (Response, error) {
	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	return p.steps[i](req)
}

func (p *scriptedProvider) calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// scriptedStreamer emits deltas before returning its step's response.
type scriptedStreamer struct {
	*scriptedProvider
	deltas []string
}

func (s *scriptedStreamer) Stream(ctx context.Context, req Request, onDelta func(string)) (Response, error) {
	for _, d := range s.deltas {
		onDelta(d)
	}
	return s.Send(ctx, req)
}

type recordingOutput struct {
	mu      sync.Mutex
	seq     int
	sent    []string
	edits   []string
	deleted []string
}

func (o *recordingOutput) Send(_ context.Context, text string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	o.sent = append(o.sent, text)
	return fmt.Sprintf("m%d", o.seq), nil
}

func (o *recordingOutput) Edit(_ context.Context, id, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.edits = append(o.edits, id+"="+text)
	return nil
}

func (o *recordingOutput) Delete(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, id)
	return nil
}

type stubCompactor struct{ summary string }

func (c stubCompactor) Summarize(context.Context, string, []session.Turn) (string, error) {
	if c.summary == "" {
		return "", errors.New("no summary")
	}
	return c.summary, nil
}

type testEnv struct {
	router   *Router
	store    session.Store
	registry *skills.Registry
}

func newTestEnv(t *testing.T, provider Provider, register func(*skills.Registry), mutate func(*RouterConfig)) testEnv {
	t.Helper()

	store, err := session.NewFileStore(t.TempDir())
	require.NoError(t, err)

	reg := skills.NewRegistry()
	if register != nil {
		register(reg)
	}
	reg.Freeze()

	queue := commandqueue.New()
	t.Cleanup(func() { queue.Close() })

	cfg := RouterConfig{
		Provider:  provider,
		Store:     store,
		Skills:    reg,
		Queue:     queue,
		Compactor: stubCompactor{summary: "summary"},
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	router, err := NewRouter(cfg)
	require.NoError(t, err)
	return testEnv{router: router, store: store, registry: reg}
}

func mustRegister(t *testing.T, reg *skills.Registry, s skills.Skill) {
	t.Helper()
	require.NoError(t, reg.Register(s))
}

func echo(t *testing.T) func(*skills.Registry) {
	return func(reg *skills.Registry) {
		mustRegister(t, reg, skills.Skill{
			Name:        "test.echo",
			Description: "Echo text back",
			Params:      []skills.Param{{Name: "text", Type: "string", Required: true}},
			Handler: func(_ context.Context, args map[string]interface{}) (string, error) {
				return "echo: " + args["text"].(string), nil
			},
		})
	}
}

func lastTurnContaining(turns []session.Turn, substr string) (session.Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if strings.Contains(turns[i].Content, substr) {
			return turns[i], true
		}
	}
	return session.Turn{}, false
}
