package agent

import (
	"context"
	"errors"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/rs/zerolog"
)

// Fallback tries the primary provider and, on any error, the secondary with
// the same request. Nothing is remembered between requests.
type Fallback struct {
	primary   Provider
	secondary Provider
	logger    zerolog.Logger
}

func NewFallback(primary, secondary Provider, logger zerolog.Logger) *Fallback {
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With().Str("component", "fallback").Logger(),
	}
}

func (f *Fallback) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

func (f *Fallback) Send(ctx context.Context, req Request) (Response, error) {
	resp, primaryErr := f.primary.Send(ctx, req)
	if primaryErr == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	observability.RecordFallback()
	logger := tracing.LoggerFromContext(ctx, f.logger)
	logger.Warn().
		Err(primaryErr).
		Str("primary", f.primary.Name()).
		Str("secondary", f.secondary.Name()).
		Msg("Primary provider failed, falling back")

	resp, secondaryErr := f.secondary.Send(ctx, req)
	if secondaryErr == nil {
		return resp, nil
	}

	kind := KindAPI
	var pe *ProviderError
	if errors.As(secondaryErr, &pe) {
		kind = pe.Kind
	}
	return Response{}, &ProviderError{
		Provider: f.Name(),
		Kind:     kind,
		Err:      errors.Join(primaryErr, secondaryErr),
	}
}
