package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/harun/kurir/internal/tracing"
	"github.com/harun/kurir/pkg/tier"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Backend is one native function-calling API.
type Backend interface {
	Name() string
	Complete(ctx context.Context, model string, req Request) (Reply, Usage, error)
}

// Route binds a tier to a backend and model.
type Route struct {
	Backend Backend
	Model   string
}

// APIProvider is the synchronous, batch-only provider. It picks a backend per
// tier; a tier without a route uses the nearest configured one.
type APIProvider struct {
	routes map[tier.Tier]Route
	logger zerolog.Logger
}

func NewAPIProvider(routes map[tier.Tier]Route, logger zerolog.Logger) (*APIProvider, error) {
	if len(routes) == 0 {
		return nil, errors.New("at least one tier route is required")
	}
	for t, r := range routes {
		if r.Backend == nil {
			return nil, fmt.Errorf("tier %s has no backend", t)
		}
		if r.Model == "" {
			return nil, fmt.Errorf("tier %s has no model", t)
		}
	}

	observability.EnsureRegistered()
	return &APIProvider{
		routes: routes,
		logger: logger.With().Str("component", "provider_api").Logger(),
	}, nil
}

func (p *APIProvider) Name() string {
	return "api"
}

// Serves reports whether t has its own route.
func (p *APIProvider) Serves(t tier.Tier) bool {
	_, ok := p.routes[t]
	return ok
}

func (p *APIProvider) Send(ctx context.Context, req Request) (resp Response, err error) {
	route, resolved, _ := nearestTier(p.routes, req.Tier)
	name := p.Name() + ":" + route.Backend.Name()

	ctx, span := tracing.StartSpan(ctx, "kurir.agent", "provider.send",
		attribute.String("provider", name),
		attribute.String("tier", string(resolved)),
		attribute.String("model", route.Model),
	)
	start := time.Now()
	defer func() {
		observability.RecordProviderCall(name, "batch", time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	logger := tracing.LoggerFromContext(ctx, p.logger)
	logger.Debug().
		Str("tier", string(resolved)).
		Str("model", route.Model).
		Int("turns", len(req.Turns)).
		Int("tools", len(req.Skills)).
		Msg("Calling provider")

	reply, usage, err := route.Backend.Complete(ctx, route.Model, req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &ProviderError{Provider: name, Kind: KindAPI, Err: err}
	}

	return Response{Reply: reply, Provider: name, Usage: usage}, nil
}
