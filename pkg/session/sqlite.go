package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS turns (
		conversation_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, ord)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		conversation_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
`

// SQLiteStore keeps all conversations in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; conversations are already serialized by the chat lock
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite session store initialized")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) begin(ctx context.Context, op, id string) (context.Context, func(error)) {
	ctx, span := tracing.StartSpan(ctx, "kurir.session", "session."+op,
		attribute.String("backend", BackendSQLite),
		attribute.String("conversation_id", id),
	)
	start := time.Now()
	return ctx, func(err error) {
		observability.RecordStoreOperation(BackendSQLite, op, time.Since(start))
		tracing.EndSpan(span, err)
	}
}

func (s *SQLiteStore) GetTurns(ctx context.Context, id string) (turns []Turn, err error) {
	ctx, end := s.begin(ctx, "get_turns", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ord, role, content, created_at FROM turns WHERE conversation_id = ? ORDER BY ord`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns = []Turn{}
	for rows.Next() {
		var (
			t       Turn
			role    string
			created int64
		)
		if err := rows.Scan(&t.Order, &role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Role = Role(role)
		t.Timestamp = time.UnixMilli(created)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) AddTurn(ctx context.Context, id string, turn Turn) (err error) {
	ctx, end := s.begin(ctx, "add_turn", id)
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, ord, role, content, created_at)
		VALUES (?, (SELECT COALESCE(MAX(ord), 0) + 1 FROM turns WHERE conversation_id = ?), ?, ?, ?)`,
		id, id, string(turn.Role), turn.Content, turn.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceTurns(ctx context.Context, id string, turns []Turn) (err error) {
	ctx, end := s.begin(ctx, "replace_turns", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	for i, t := range turns {
		if err := validateTurn(t); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}

	now := time.Now()
	for i, t := range turns {
		ts := t.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (conversation_id, ord, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, i+1, string(t.Role), t.Content, ts.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearTurns(ctx context.Context, id string) (err error) {
	ctx, end := s.begin(ctx, "clear_turns", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (token string, err error) {
	ctx, end := s.begin(ctx, "get_session", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return "", err
	}
	err = s.db.QueryRowContext(ctx, `SELECT token FROM sessions WHERE conversation_id = ?`, id).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query session: %w", err)
	}
	return token, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, id, token string) (err error) {
	ctx, end := s.begin(ctx, "save_session", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	if token == "" {
		return errors.New("session token cannot be empty")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		id, token, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearSession(ctx context.Context, id string) (err error) {
	ctx, end := s.begin(ctx, "clear_session", id)
	defer func() { end(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
