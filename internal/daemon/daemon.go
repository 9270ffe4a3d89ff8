// Package daemon wires configuration into the running service: the Telegram
// transport, the ingress pipeline, the router with its providers and skills,
// scheduled jobs, prompt reloads and the metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/kurir/internal/config"
	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/telegram"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/agent"
	"github.com/harun/kurir/pkg/browser"
	"github.com/harun/kurir/pkg/commandqueue"
	"github.com/harun/kurir/pkg/cron"
	"github.com/harun/kurir/pkg/draft"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/skills"
	"github.com/harun/kurir/pkg/workspace"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	housekeepingInterval = time.Minute
	shutdownTimeout      = 10 * time.Second
)

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	provider agent.Provider
	streamer agent.StreamingProvider
	bot      *telegram.Bot
}

// WithProvider replaces the configured providers. streamer may be nil.
func WithProvider(provider agent.Provider, streamer agent.StreamingProvider) Option {
	return func(o *options) {
		o.provider = provider
		o.streamer = streamer
	}
}

// WithBot uses an already authenticated bot instead of connecting with the
// configured token.
func WithBot(bot *telegram.Bot) Option {
	return func(o *options) {
		o.bot = bot
	}
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     session.Store
	queue     *commandqueue.CommandQueue
	registry  *skills.Registry
	browser   *browser.Browser
	audit     *observability.AuditLog
	prompt    *workspace.Prompt
	router    *agent.Router
	pipeline  *Pipeline
	bot       *telegram.Bot
	handler   *telegram.Handler
	scheduler *cron.Scheduler

	tracingEnabled bool
	closers        []func() error
}

// New builds the daemon from cfg. On error everything created so far is
// closed.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (d *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d = &Daemon{
		cfg:    cfg,
		logger: logger.With().Str("component", "daemon").Logger(),
	}
	defer func() {
		if err != nil {
			_ = d.Close()
			d = nil
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	observability.EnsureRegistered()
	if cfg.Metrics.Tracing {
		if err := tracing.InitOpenTelemetry("kurir", cfg.Metrics.SampleRatio, logger); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize OpenTelemetry, continuing without tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if cfg.Metrics.AuditFile != "" {
		audit, err := observability.OpenAuditLog(cfg.Metrics.AuditFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		d.audit = audit
		d.closers = append(d.closers, audit.Close)
	}

	store, err := session.Open(cfg.Store.Backend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	d.store = store
	d.closers = append(d.closers, store.Close)
	d.logger.Info().Str("backend", cfg.Store.Backend).Msg("Conversation store opened")

	if err := d.initSkills(); err != nil {
		return nil, err
	}

	prompt, err := workspace.NewPrompt(cfg.Workspace.PromptFile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load system prompt: %w", err)
	}
	d.prompt = prompt
	prompt.OnReload(func(text string) {
		d.logger.Info().
			Str("name", prompt.Meta().Name).
			Int("chars", len(text)).
			Msg("System prompt applies from the next message")
	})

	providers := providerSet{batch: o.provider, streamer: o.streamer}
	if providers.batch == nil {
		providers, err = buildProviders(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Telegram.Enabled {
		d.bot = o.bot
		if d.bot == nil {
			d.bot, err = telegram.New(cfg.Telegram, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
			}
		}
	}

	d.queue = commandqueue.New()
	d.closers = append(d.closers, func() error {
		// let in-flight conversations persist their replies
		d.queue.Drain(shutdownTimeout)
		return d.queue.Close()
	})

	var progress agent.ProgressFunc
	if d.bot != nil && cfg.Telegram.Progress {
		progress = telegram.ProgressSink(d.bot)
	}

	d.router, err = agent.NewRouter(agent.RouterConfig{
		Provider:         providers.batch,
		Streamer:         providers.streamer,
		Store:            d.store,
		Skills:           d.registry,
		Queue:            d.queue,
		Policy:           cfg.Skills.Policy(),
		OnProgress:       progress,
		SystemPrompt:     d.prompt.Text,
		LocalAvailable:   providers.localAvailable,
		MaxChain:         cfg.Router.MaxChain,
		MaxResultChars:   cfg.Router.MaxResultChars,
		PreviewChars:     cfg.Router.PreviewChars,
		CompactThreshold: cfg.Router.CompactThreshold,
		KeepRecent:       cfg.Router.KeepRecent,
		Draft: draft.Config{
			MinInterval: time.Duration(cfg.Stream.MinIntervalMs) * time.Millisecond,
			MinChars:    cfg.Stream.MinChars,
		},
		Audit:  d.audit,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	d.pipeline = NewPipeline(d.router, "telegram",
		time.Duration(cfg.Concurrency.DebounceMs)*time.Millisecond,
		cfg.Concurrency.DedupSize, logger)

	if d.bot != nil {
		d.handler = telegram.NewHandler(d.bot, d.pipeline, cfg.Telegram)
		d.bot.SetHandler(d.handler)
	}

	if cfg.Cron.Enabled && len(cfg.Cron.Jobs) > 0 {
		jobs := make([]cron.Job, 0, len(cfg.Cron.Jobs))
		for _, j := range cfg.Cron.Jobs {
			jobs = append(jobs, cron.Job{ID: j.ID, Schedule: j.Schedule, Prompt: j.Prompt, ChatID: j.ChatID})
		}
		d.scheduler, err = cron.New(cron.Options{
			Jobs:      jobs,
			Run:       d.runJob,
			StatePath: filepath.Join(cfg.DataDir, "cron-state.json"),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create cron scheduler: %w", err)
		}
	}

	d.logger.Info().
		Str("provider", providers.batch.Name()).
		Bool("streaming", providers.streamer != nil).
		Int("skills", len(d.registry.List())).
		Bool("telegram", d.bot != nil).
		Msg("Daemon initialized")
	return d, nil
}

func (d *Daemon) initSkills() error {
	sc := d.cfg.Skills
	d.registry = skills.NewRegistry()

	var opener skills.PageOpener
	if sc.Browser.Enabled {
		d.browser = browser.New(sc.Browser.Config, d.logger)
		d.closers = append(d.closers, d.browser.Close)
		opener = d.browser
	}

	if err := skills.RegisterBuiltins(d.registry, skills.BuiltinConfig{
		WorkspaceDir: sc.WorkspaceDir,
		NotesDir:     sc.NotesDir,
		Browser:      opener,
		MaxReadBytes: sc.MaxReadBytes,
	}); err != nil {
		return fmt.Errorf("failed to register builtin skills: %w", err)
	}
	d.registry.Freeze()
	return nil
}

// Pipeline returns the ingress pipeline, e.g. for a local chat session.
func (d *Daemon) Pipeline() *Pipeline {
	return d.pipeline
}

// Prompt returns the live system prompt.
func (d *Daemon) Prompt() *workspace.Prompt {
	return d.prompt
}

// Scheduler returns the cron scheduler, or nil when no jobs are configured.
func (d *Daemon) Scheduler() *cron.Scheduler {
	return d.scheduler
}

// Run starts every service and blocks until ctx is done or one of them
// fails. It does not close the daemon; call Close afterwards.
func (d *Daemon) Run(ctx context.Context) error {
	pidFile := PIDFile(d.cfg.DataDir)
	if pid, running := IsRunning(d.cfg.DataDir); running && pid != os.Getpid() {
		return fmt.Errorf("kurir is already running with pid %d", pid)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer removePIDFile(pidFile, d.logger)

	g, ctx := errgroup.WithContext(ctx)

	if d.bot != nil {
		if err := d.bot.SetCommands(d.handler.Commands().BotCommands()); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to register bot commands")
		}
		g.Go(func() error { return d.bot.Run(ctx) })
	}

	if d.cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              d.cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			d.logger.Info().Str("addr", srv.Addr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if d.scheduler != nil {
		g.Go(func() error { return d.scheduler.Run(ctx) })
	}

	if d.cfg.Workspace.Watch && d.prompt.Path() != "" {
		watcher := workspace.NewWatcher(d.prompt, 0)
		g.Go(func() error { return watcher.Run(ctx) })
	}

	g.Go(func() error {
		d.housekeeping(ctx)
		return nil
	})

	d.logger.Info().Int("pid", os.Getpid()).Msg("Daemon started")
	err := g.Wait()
	d.logger.Info().Msg("Daemon stopped")
	return err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// housekeeping drops idle chat-lock lanes so the lane map does not grow with
// every conversation ever seen.
func (d *Daemon) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.queue.PruneIdle(); n > 0 {
				d.logger.Debug().Int("pruned", n).Int("active", len(d.queue.Stats())).Msg("Pruned idle lanes")
			}
		}
	}
}

// runJob posts a scheduled prompt into the chat's background conversation.
func (d *Daemon) runJob(ctx context.Context, job cron.Job) error {
	conv := agent.Conversation{
		ID:         fmt.Sprintf("%s:cron:%s", telegram.ConversationID(job.ChatID), job.ID),
		Background: true,
	}

	var out draft.Output
	if d.bot != nil {
		out = telegram.NewChatOutput(d.bot, job.ChatID, 0)
	}

	outcome, err := d.pipeline.RunBackground(ctx, conv, job.Prompt, out)
	if err != nil {
		return err
	}
	if out == nil {
		d.logger.Info().Str("job_id", job.ID).Str("reply", outcome.Text).Msg("Scheduled job finished without a transport")
	}
	return nil
}

// Close releases resources in reverse creation order.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			errs = append(errs, err)
		}
		d.tracingEnabled = false
	}
	return errors.Join(errs...)
}
