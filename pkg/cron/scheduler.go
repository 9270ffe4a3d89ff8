// Package cron runs configured prompts on a schedule.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/kurir/internal/observability"
	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Parser accepts five-field expressions and descriptors such as "@hourly".
var Parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

// Options configures a Scheduler.
type Options struct {
	Jobs []Job
	Run  RunFunc
	// StatePath persists JobState between restarts. Optional.
	StatePath string
	Location  *time.Location
	OnEvent   func(Event)
	Logger    zerolog.Logger
}

// Scheduler fires jobs on their schedules. A job whose previous run is still
// going is skipped, not queued.
type Scheduler struct {
	cron      *robfig.Cron
	run       RunFunc
	statePath string
	onEvent   func(Event)
	logger    zerolog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]robfig.EntryID
	states  map[string]*JobState
}

// New validates and registers every job. Nothing runs until Run is called.
func New(opts Options) (*Scheduler, error) {
	if opts.Run == nil {
		return nil, errors.New("run callback is required")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	logger := opts.Logger.With().Str("component", "cron").Logger()
	cl := cronLogger{logger: logger}
	runCtx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron: robfig.New(
			robfig.WithParser(Parser),
			robfig.WithLocation(loc),
			robfig.WithLogger(cl),
			robfig.WithChain(robfig.Recover(cl)),
		),
		run:       opts.Run,
		statePath: opts.StatePath,
		onEvent:   opts.OnEvent,
		logger:    logger,
		runCtx:    runCtx,
		cancelRun: cancel,
		jobs:      make(map[string]Job),
		entries:   make(map[string]robfig.EntryID),
		states:    make(map[string]*JobState),
	}

	if err := s.loadState(); err != nil {
		logger.Warn().Err(err).Msg("Failed to load job state, starting fresh")
	}

	for _, job := range opts.Jobs {
		if err := s.add(job); err != nil {
			cancel()
			return nil, err
		}
	}

	observability.EnsureRegistered()
	logger.Info().Int("jobs", len(s.jobs)).Msg("Cron scheduler initialized")
	return s, nil
}

func (s *Scheduler) add(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return fmt.Errorf("job %s: prompt is required", job.ID)
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: duplicate id", job.ID)
	}
	sched, err := Parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}

	s.jobs[job.ID] = job
	if _, ok := s.states[job.ID]; !ok {
		s.states[job.ID] = &JobState{}
	}
	s.entries[job.ID] = s.cron.Schedule(sched, robfig.FuncJob(func() {
		s.execute(s.runCtx, job)
	}))
	return nil
}

// Run starts the schedule and blocks until ctx is done. In-flight runs are
// cancelled and waited for before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info().Msg("Cron scheduler started")

	<-ctx.Done()

	stopped := s.cron.Stop()
	s.cancelRun()
	<-stopped.Done()

	s.mu.Lock()
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist job state")
	}

	s.logger.Info().Msg("Cron scheduler stopped")
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	return s.execute(ctx, job)
}

// Jobs returns the registered jobs sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns a copy of the job's state including its next fire time.
func (s *Scheduler) State(id string) (JobState, bool) {
	s.mu.Lock()
	st, ok := s.states[id]
	entryID, scheduled := s.entries[id]
	var state JobState
	if ok {
		state = *st
	}
	s.mu.Unlock()

	if !ok {
		return JobState{}, false
	}
	if scheduled {
		state.NextRunAt = s.cron.Entry(entryID).Next
	}
	return state, true
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	s.mu.Lock()
	state := s.states[job.ID]
	if state.Running {
		state.LastStatus = StatusSkipped
		s.mu.Unlock()
		s.logger.Debug().Str("job_id", job.ID).Msg("Job already running, skipping execution")
		observability.RecordCronRun(job.ID, StatusSkipped)
		s.emit(Event{JobID: job.ID, Status: StatusSkipped})
		return nil
	}
	state.Running = true
	s.mu.Unlock()

	s.logger.Info().Str("job_id", job.ID).Int64("chat_id", job.ChatID).Msg("Executing job")

	start := time.Now()
	err := s.safeRun(ctx, job)
	duration := time.Since(start)

	s.mu.Lock()
	state.Running = false
	state.LastRunAt = start
	state.LastDuration = duration
	state.Runs++
	if err != nil {
		state.LastStatus = StatusError
		state.LastError = err.Error()
		state.ConsecutiveErrors++
		s.logger.Error().
			Err(err).
			Str("job_id", job.ID).
			Int("consecutive_errors", state.ConsecutiveErrors).
			Msg("Job execution failed")
	} else {
		state.LastStatus = StatusOK
		state.LastError = ""
		state.ConsecutiveErrors = 0
		s.logger.Info().
			Str("job_id", job.ID).
			Dur("duration", duration).
			Msg("Job execution completed")
	}
	status := state.LastStatus
	if perr := s.persistLocked(); perr != nil {
		s.logger.Error().Err(perr).Msg("Failed to persist job state")
	}
	s.mu.Unlock()

	observability.RecordCronRun(job.ID, status)
	s.emit(Event{JobID: job.ID, Status: status, Err: err, Duration: duration})
	return err
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return s.run(ctx, job)
}

func (s *Scheduler) emit(evt Event) {
	if s.onEvent != nil {
		s.onEvent(evt)
	}
}

func (s *Scheduler) loadState() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var states map[string]*JobState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	for id, st := range states {
		if st != nil {
			s.states[id] = st
		}
	}
	return nil
}

// persistLocked writes state for configured jobs. Callers hold s.mu.
func (s *Scheduler) persistLocked() error {
	if s.statePath == "" {
		return nil
	}

	states := make(map[string]*JobState, len(s.jobs))
	for id := range s.jobs {
		states[id] = s.states[id]
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// cronLogger adapts zerolog to robfig.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
