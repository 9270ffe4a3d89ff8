package agent

import (
	"errors"
	"fmt"
)

// ProviderErrorKind says how a provider call failed.
type ProviderErrorKind string

const (
	KindSpawn     ProviderErrorKind = "spawn"
	KindTimeout   ProviderErrorKind = "timeout"
	KindStall     ProviderErrorKind = "stall"
	KindExit      ProviderErrorKind = "exit"
	KindMalformed ProviderErrorKind = "malformed"
	KindAPI       ProviderErrorKind = "api"
)

// ProviderError is a failed provider call.
type ProviderError struct {
	Provider string
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// EmptyReason distinguishes a provider that answered with nothing from one
// that never produced an answer at all.
type EmptyReason string

const (
	// EmptyBlank is a well-formed reply whose text is blank.
	EmptyBlank EmptyReason = "blank"
	// EmptyNoResult is a run that ended without a result event.
	EmptyNoResult EmptyReason = "no_result"
)

// EmptyResponseError reports a reply with no usable content.
type EmptyResponseError struct {
	Provider string
	Reason   EmptyReason
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("provider %s returned an empty response (%s)", e.Provider, e.Reason)
}

// ToolNotFoundError is a call to a skill that is not registered.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %s not found", e.Tool)
}

// ToolDeniedError is a call the conversation is not allowed to make.
type ToolDeniedError struct {
	Tool   string
	Reason string
}

func (e *ToolDeniedError) Error() string {
	return fmt.Sprintf("tool %s denied: %s", e.Tool, e.Reason)
}

// ToolValidationError wraps schema violations.
type ToolValidationError struct {
	Tool string
	Err  error
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolValidationError) Unwrap() error { return e.Err }

// ToolExecutionError wraps a failed or panicking skill.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ChainLimitExceeded is recorded when the model keeps asking for tools.
type ChainLimitExceeded struct {
	Limit int
}

func (e *ChainLimitExceeded) Error() string {
	return fmt.Sprintf("tool chain limit of %d steps exceeded", e.Limit)
}

// IsEmptyResponse reports whether err carries an EmptyResponseError and
// returns it.
func IsEmptyResponse(err error) (*EmptyResponseError, bool) {
	var empty *EmptyResponseError
	if errors.As(err, &empty) {
		return empty, true
	}
	return nil, false
}
