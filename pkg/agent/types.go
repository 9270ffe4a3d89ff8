package agent

import (
	"context"
	"strings"

	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/skills"
	"github.com/harun/kurir/pkg/tier"
)

// Request is everything a provider needs for one call.
type Request struct {
	ConversationID string
	Tier           tier.Tier
	SystemPrompt   string
	Turns          []session.Turn
	Skills         []*skills.Skill
	// SessionToken resumes provider-side context. Providers that cannot
	// resume ignore it.
	SessionToken string
	// Pending, when positive, is how many trailing Turns the resumed session
	// has not seen yet. Zero means every turn after the last assistant turn.
	Pending int
}

// Reply is the closed set of provider answers: FinalMessage or ToolCallRequest.
type Reply interface {
	isReply()
}

// FinalMessage ends the chain with text for the user.
type FinalMessage struct {
	Text string
}

// ToolCallRequest asks the router to run a skill and feed the result back.
type ToolCallRequest struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

func (FinalMessage) isReply()    {}
func (ToolCallRequest) isReply() {}

// Blank reports whether the message carries no visible text.
func (m FinalMessage) Blank() bool {
	return strings.TrimSpace(m.Text) == ""
}

// Usage is token accounting when the backend reports it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a provider's answer to one Request.
type Response struct {
	Reply        Reply
	SessionToken string
	Provider     string
	Usage        Usage
}

// Provider is one model backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (Response, error)
}

// StreamingProvider can additionally report text as it is produced. onDelta
// is called from the goroutine that called Stream, in order.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req Request, onDelta func(text string)) (Response, error)
}

// ProgressFunc receives interim notices while tools run. It must not block
// for long; failures are ignored.
type ProgressFunc func(conversationID, preview string)

// Conversation identifies who a request comes from.
type Conversation struct {
	ID    string
	Admin bool
	// Background conversations are started by the scheduler, not a person.
	Background bool
}

// OutcomeKind classifies how a request ended.
type OutcomeKind string

const (
	OutcomeFinal      OutcomeKind = "final"
	OutcomeChainLimit OutcomeKind = "chain_limit"
	OutcomeApology    OutcomeKind = "apology"
)

// Outcome is the user-visible result of Handle.
type Outcome struct {
	Kind OutcomeKind
	Text string
	// Delivered is true when the text already reached the user through a
	// streamed draft and must not be sent again.
	Delivered bool
	Steps     int
	Tier      tier.Tier
	Provider  string
}
