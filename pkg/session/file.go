package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// entry is one JSONL line.
type entry struct {
	ConversationID string `json:"conversationId"`
	Turn           Turn   `json:"turn"`
}

// FileStore keeps one "<id>.jsonl" transcript and one "<id>.session" token
// file per conversation.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	lastOrder  map[string]int
	locksMu    sync.Mutex
}

// NewFileStore creates the directory if needed. An empty dir defaults to ~/.kurir/sessions.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".kurir", "sessions")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("File session store initialized")

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		lastOrder:  make(map[string]int),
	}, nil
}

func (fs *FileStore) transcriptPath(id string) string {
	return filepath.Join(fs.dir, id+".jsonl")
}

func (fs *FileStore) tokenPath(id string) string {
	return filepath.Join(fs.dir, id+".session")
}

func (fs *FileStore) lock(id string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	l, ok := fs.writeLocks[id]
	if !ok {
		l = &sync.Mutex{}
		fs.writeLocks[id] = l
	}
	return l
}

func (fs *FileStore) begin(ctx context.Context, op, id string) (context.Context, func(error)) {
	ctx, span := tracing.StartSpan(ctx, "kurir.session", "session."+op,
		attribute.String("backend", BackendFile),
		attribute.String("conversation_id", id),
	)
	start := time.Now()
	return ctx, func(err error) {
		observability.RecordStoreOperation(BackendFile, op, time.Since(start))
		tracing.EndSpan(span, err)
	}
}

func (fs *FileStore) GetTurns(ctx context.Context, id string) (turns []Turn, err error) {
	ctx, end := fs.begin(ctx, "get_turns", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return fs.readTurns(ctx, id)
}

func (fs *FileStore) readTurns(ctx context.Context, id string) ([]Turn, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	file, err := os.Open(fs.transcriptPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	turns := []Turn{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			logger.Warn().Str("conversation_id", id).Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if validateTurn(e.Turn) != nil {
			logger.Warn().Str("conversation_id", id).Int("line", lineNum).Msg("Invalid turn, skipping")
			continue
		}
		turns = append(turns, e.Turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return turns, nil
}

func (fs *FileStore) AddTurn(ctx context.Context, id string, turn Turn) (err error) {
	ctx, end := fs.begin(ctx, "add_turn", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	if err := validateTurn(turn); err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	l := fs.lock(id)
	l.Lock()
	defer l.Unlock()

	last, err := fs.lastOrderFor(ctx, id)
	if err != nil {
		return err
	}
	turn.Order = last + 1

	file, err := os.OpenFile(fs.transcriptPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(entry{ConversationID: id, Turn: turn})
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write turn: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	fs.setLastOrder(id, turn.Order)
	return nil
}

// lastOrderFor returns the cached highest order, scanning the transcript once
// per process. Caller holds the conversation lock.
func (fs *FileStore) lastOrderFor(ctx context.Context, id string) (int, error) {
	fs.locksMu.Lock()
	last, ok := fs.lastOrder[id]
	fs.locksMu.Unlock()
	if ok {
		return last, nil
	}

	turns, err := fs.readTurns(ctx, id)
	if err != nil {
		return 0, err
	}
	for _, t := range turns {
		if t.Order > last {
			last = t.Order
		}
	}
	return last, nil
}

func (fs *FileStore) setLastOrder(id string, order int) {
	fs.locksMu.Lock()
	fs.lastOrder[id] = order
	fs.locksMu.Unlock()
}

func (fs *FileStore) ReplaceTurns(ctx context.Context, id string, turns []Turn) (err error) {
	_, end := fs.begin(ctx, "replace_turns", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}

	l := fs.lock(id)
	l.Lock()
	defer l.Unlock()

	var buf strings.Builder
	now := time.Now()
	for i, t := range turns {
		if err := validateTurn(t); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
		t.Order = i + 1
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		data, err := json.Marshal(entry{ConversationID: id, Turn: t})
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := writeFileAtomic(fs.transcriptPath(id), []byte(buf.String())); err != nil {
		return err
	}
	fs.setLastOrder(id, len(turns))
	return nil
}

func (fs *FileStore) ClearTurns(ctx context.Context, id string) (err error) {
	_, end := fs.begin(ctx, "clear_turns", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}

	l := fs.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(fs.transcriptPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	fs.setLastOrder(id, 0)
	return nil
}

func (fs *FileStore) GetSession(ctx context.Context, id string) (token string, err error) {
	_, end := fs.begin(ctx, "get_session", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(fs.tokenPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (fs *FileStore) SaveSession(ctx context.Context, id, token string) (err error) {
	_, end := fs.begin(ctx, "save_session", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	if token == "" {
		return errors.New("session token cannot be empty")
	}
	return writeFileAtomic(fs.tokenPath(id), []byte(token))
}

func (fs *FileStore) ClearSession(ctx context.Context, id string) (err error) {
	_, end := fs.begin(ctx, "clear_session", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(fs.tokenPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session token: %w", err)
	}
	return nil
}

// List returns the ids of all stored conversations.
func (fs *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	return ids, nil
}

func (fs *FileStore) Close() error {
	fs.locksMu.Lock()
	fs.writeLocks = make(map[string]*sync.Mutex)
	fs.lastOrder = make(map[string]int)
	fs.locksMu.Unlock()
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
