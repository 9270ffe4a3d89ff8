package tracing

import (
	"context"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey        ContextKey = "trace_id"
	RunIDKey          ContextKey = "run_id"
	ConversationIDKey ContextKey = "conversation_id"
	// RequestIDKey identifies a single inbound message (dedup key on the transport)
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID        string
	RunID          string
	ConversationID string
	RequestID      string
}

func NewTraceID() string {
	return uuid.New().String()
}

func NewRunID() string {
	return uuid.New().String()
}

// NewRequestID returns a short url-safe id used when the transport does not
// supply one of its own.
func NewRequestID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return uuid.New().String()
	}
	return id
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func GetRunID(ctx context.Context) string {
	if v, ok := ctx.Value(RunIDKey).(string); ok {
		return v
	}
	return ""
}

func GetConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(ConversationIDKey).(string); ok {
		return v
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:        GetTraceID(ctx),
		RunID:          GetRunID(ctx),
		ConversationID: GetConversationID(ctx),
		RequestID:      GetRequestID(ctx),
	}
}

// NewRequestContext starts a fresh trace for an inbound message.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext tags ctx with a new run id for one orchestration of the given conversation.
func NewRunContext(ctx context.Context, conversationID string) context.Context {
	ctx = WithRunID(ctx, NewRunID())
	return WithConversationID(ctx, conversationID)
}

// Detach returns a background context carrying the tracing values of ctx.
// Used for work that must outlive the request (tool execution, progress).
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
