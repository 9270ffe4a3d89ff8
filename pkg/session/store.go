package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a conversation transcript.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Order     int       `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the conversation persistence contract used by the router.
// Callers hold the conversation's chat lock, so implementations only need to
// protect themselves against concurrent access to different conversations.
type Store interface {
	GetTurns(ctx context.Context, conversationID string) ([]Turn, error)
	AddTurn(ctx context.Context, conversationID string, turn Turn) error
	// ReplaceTurns atomically rewrites the transcript (used by compaction).
	ReplaceTurns(ctx context.Context, conversationID string, turns []Turn) error
	ClearTurns(ctx context.Context, conversationID string) error

	// GetSession returns "" when no session token is stored.
	GetSession(ctx context.Context, conversationID string) (string, error)
	SaveSession(ctx context.Context, conversationID, token string) error
	ClearSession(ctx context.Context, conversationID string) error

	Close() error
}

var ErrInvalidID = errors.New("invalid conversation id")

// ValidateID rejects ids that are empty or unsafe to use as a file name.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidID)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: contains path separators", ErrInvalidID)
	case strings.Contains(id, "\x00"):
		return fmt.Errorf("%w: contains null bytes", ErrInvalidID)
	}
	return nil
}

func validateTurn(turn Turn) error {
	if turn.Role != RoleUser && turn.Role != RoleAssistant {
		return fmt.Errorf("invalid turn role %q", turn.Role)
	}
	if turn.Content == "" {
		return errors.New("turn content cannot be empty")
	}
	return nil
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open creates the configured backend under dataDir.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(filepath.Join(dataDir, "sessions"))
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dataDir, "kurir.db"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
