package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/kurir/internal/config"
	"github.com/harun/kurir/internal/telegram"
	"github.com/harun/kurir/pkg/agent"
	"github.com/harun/kurir/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoProvider answers every request with the last user turn.
type echoProvider struct {
	mu   sync.Mutex
	reqs []agent.Request
}

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) Send(_ context.Context, req agent.Request) (agent.Response, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	last := ""
	if n := len(req.Turns); n > 0 {
		last = req.Turns[n-1].Content
	}
	return agent.Response{Reply: agent.FinalMessage{Text: "echo: " + last}, Provider: "echo"}, nil
}

func (p *echoProvider) requests() []agent.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.Request(nil), p.reqs...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Telegram.Enabled = false
	cfg.Concurrency.DebounceMs = 0
	cfg.Skills.NotesDir = filepath.Join(dir, "notes")
	cfg.Workspace.PromptFile = filepath.Join(dir, "SYSTEM.md")
	cfg.Workspace.Watch = false
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) (*Daemon, *echoProvider) {
	t.Helper()
	provider := &echoProvider{}
	d, err := New(cfg, zerolog.Nop(), append([]Option{WithProvider(provider, nil)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, provider
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Router.MaxChain = 0

	_, err := New(cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "invalid config")
}

func TestNew_UnknownStoreBackendFailsValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "redis"

	_, err := New(cfg, zerolog.Nop(), WithProvider(&echoProvider{}, nil))
	assert.Error(t, err)
}

func TestDaemon_DispatchEndToEnd(t *testing.T) {
	for _, backend := range []string{session.BackendFile, session.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Store.Backend = backend
			require.NoError(t, os.WriteFile(cfg.Workspace.PromptFile, []byte("You are terse."), 0o644))

			d, provider := newTestDaemon(t, cfg)
			out := &recordingOutput{}

			conv := agent.Conversation{ID: "cli:local", Admin: true}
			require.NoError(t, d.Pipeline().Dispatch(context.Background(), "", conv, "hello", out))
			assert.Equal(t, []string{"echo: hello"}, out.messages())

			reqs := provider.requests()
			require.NotEmpty(t, reqs)
			assert.Equal(t, "You are terse.", reqs[0].SystemPrompt)
			assert.NotEmpty(t, reqs[0].Skills, "builtin skills are offered")

			require.NoError(t, d.Pipeline().Dispatch(context.Background(), "", conv, "again", out))
			reqs = provider.requests()
			last := reqs[len(reqs)-1]
			require.GreaterOrEqual(t, len(last.Turns), 3, "history is kept between messages")
			assert.Equal(t, "hello", last.Turns[0].Content)

			require.NoError(t, d.Pipeline().Reset(context.Background(), conv.ID))
			require.NoError(t, d.Pipeline().Dispatch(context.Background(), "", conv, "fresh", out))
			reqs = provider.requests()
			assert.Len(t, reqs[len(reqs)-1].Turns, 1)
		})
	}
}

func TestDaemon_PromptReloadAppliesToNextRequest(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Workspace.PromptFile, []byte("v1"), 0o644))
	d, provider := newTestDaemon(t, cfg)

	require.NoError(t, os.WriteFile(cfg.Workspace.PromptFile, []byte("v2"), 0o644))
	_, err := d.Prompt().Reload()
	require.NoError(t, err)

	require.NoError(t, d.Pipeline().Dispatch(context.Background(), "", agent.Conversation{ID: "cli:local"}, "hi", nil))
	reqs := provider.requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "v2", reqs[len(reqs)-1].SystemPrompt)
}

func TestDaemon_CronJobRunsInBackgroundConversation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cron.Enabled = true
	cfg.Cron.Jobs = []config.CronJob{{ID: "daily", Schedule: "@daily", Prompt: "what's on today?", ChatID: 42}}

	d, provider := newTestDaemon(t, cfg)
	require.NotNil(t, d.Scheduler())

	require.NoError(t, d.Scheduler().RunNow(context.Background(), "daily"))

	reqs := provider.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "telegram:42:cron:daily", reqs[0].ConversationID)
	for _, s := range reqs[0].Skills {
		assert.NotEqual(t, "browser.open", s.Name)
	}

	chatID, ok := telegram.ChatIDFromConversation(reqs[0].ConversationID)
	require.True(t, ok)
	assert.Equal(t, int64(42), chatID)
}

func TestDaemon_RunWritesAndRemovesPIDFile(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		pid, running := IsRunning(cfg.DataDir)
		return running && pid == os.Getpid()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err := os.Stat(PIDFile(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_RunRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newTestDaemon(t, cfg)

	// a live pid that is not ours
	require.NoError(t, os.WriteFile(PIDFile(cfg.DataDir), []byte("1"), 0o644))
	if _, running := IsRunning(cfg.DataDir); !running {
		t.Skip("pid 1 is not signalable here")
	}

	err := d.Run(context.Background())
	assert.ErrorContains(t, err, "already running")
}

func TestMetricsMux(t *testing.T) {
	srv := httptest.NewServer(metricsMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// fakeBotAPI is a minimal Bot API server: one queued update, then empty polls.
type fakeBotAPI struct {
	mu      sync.Mutex
	updates []map[string]interface{}
	sent    []sentMessage
	nextID  int
}

type sentMessage struct {
	chatID string
	text   string
}

func newFakeBotAPI(t *testing.T, updates ...map[string]interface{}) (*fakeBotAPI, *httptest.Server) {
	f := &fakeBotAPI{updates: updates, nextID: 100}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	var result interface{} = true
	switch method {
	case "getMe":
		result = map[string]interface{}{"id": 1, "is_bot": true, "first_name": "kurir", "username": "kurir_bot"}
	case "getUpdates":
		f.mu.Lock()
		pending := f.updates
		f.updates = nil
		f.mu.Unlock()
		if len(pending) == 0 {
			time.Sleep(20 * time.Millisecond)
			pending = []map[string]interface{}{}
		}
		result = pending
	case "sendMessage":
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.sent = append(f.sent, sentMessage{chatID: r.Form.Get("chat_id"), text: r.Form.Get("text")})
		f.mu.Unlock()
		result = map[string]interface{}{"message_id": id, "date": 0, "chat": map[string]interface{}{"id": 42, "type": "private"}}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": result})
}

func (f *fakeBotAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.text)
	}
	return out
}

func TestDaemon_TelegramRoundTrip(t *testing.T) {
	update := map[string]interface{}{
		"update_id": 1,
		"message": map[string]interface{}{
			"message_id": 5,
			"date":       0,
			"text":       "hello bot",
			"from":       map[string]interface{}{"id": 7, "is_bot": false, "first_name": "Ana"},
			"chat":       map[string]interface{}{"id": 42, "type": "private"},
		},
	}
	fake, srv := newFakeBotAPI(t, update)

	bot, err := telegram.NewWithEndpoint("123:abc", srv.URL+"/bot%s/%s", zerolog.Nop())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Telegram.Enabled = true
	cfg.Telegram.BotToken = "123:abc"
	d, provider := newTestDaemon(t, cfg, WithBot(bot))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		for _, text := range fake.texts() {
			if text == "echo: hello bot" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	reqs := provider.requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "telegram:42", reqs[0].ConversationID)
}
