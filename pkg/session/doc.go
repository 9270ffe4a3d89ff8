// Package session persists conversation history and provider session tokens.
//
// Invariants:
// - Conversation ids are validated and path-safe.
// - Turns are append-only; the store assigns strictly increasing Order values.
// - Writes for the same conversation are serialized.
//
// Two backends implement Store: FileStore (one JSONL file per conversation)
// and SQLiteStore. Open picks one from configuration.
//
// Usage:
//
//	store, _ := session.NewFileStore("/tmp/kurir/sessions")
//	_ = store.AddTurn(ctx, "telegram:1", session.Turn{Role: session.RoleUser, Content: "hello"})
//	turns, _ := store.GetTurns(ctx, "telegram:1")
package session
