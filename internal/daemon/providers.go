package daemon

import (
	"errors"
	"fmt"
	"sort"

	"github.com/harun/kurir/internal/config"
	"github.com/harun/kurir/pkg/agent"
	"github.com/harun/kurir/pkg/tier"
	"github.com/rs/zerolog"
)

// providerSet is what the router needs from the configured backends.
type providerSet struct {
	batch    agent.Provider
	streamer agent.StreamingProvider
	// localAvailable is true when the local tier has its own API route.
	localAvailable bool
}

// buildProviders turns the tiers and providers sections into the batch
// provider (API first, CLI as fallback) and the optional streamer.
func buildProviders(cfg *config.Config, logger zerolog.Logger) (providerSet, error) {
	var set providerSet

	routes, err := apiRoutes(cfg)
	if err != nil {
		return set, err
	}

	var api agent.Provider
	if len(routes) > 0 {
		p, err := agent.NewAPIProvider(routes, logger)
		if err != nil {
			return set, fmt.Errorf("failed to create API provider: %w", err)
		}
		api = p
		_, set.localAvailable = routes[tier.Local]
	}

	var cli *agent.CLIProvider
	if cfg.Providers.CLI.Enabled {
		p, err := agent.NewCLIProvider(cliConfig(cfg), logger)
		if err != nil {
			return set, fmt.Errorf("failed to create CLI provider: %w", err)
		}
		cli = p
	}

	switch {
	case api != nil && cli != nil:
		set.batch = agent.NewFallback(api, cli, logger)
	case api != nil:
		set.batch = api
	case cli != nil:
		set.batch = cli
	default:
		return set, errors.New("no provider configured: set an API key for a tier or enable providers.cli")
	}

	if cli != nil && cfg.Stream.Enabled {
		set.streamer = cli
	}
	return set, nil
}

func apiRoutes(cfg *config.Config) (map[tier.Tier]agent.Route, error) {
	var anthropicBackend, openAIBackend agent.Backend
	routes := make(map[tier.Tier]agent.Route)

	for _, name := range cfg.TierNames() {
		tc := cfg.Tiers[name]
		t, ok := tier.Parse(name)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", name)
		}
		if tc.Backend == "" || tc.Model == "" {
			continue
		}

		var backend agent.Backend
		switch tc.Backend {
		case config.BackendAnthropic:
			pc := cfg.Providers.Anthropic
			if !pc.Configured() {
				continue
			}
			if anthropicBackend == nil {
				anthropicBackend = agent.NewAnthropicBackend(pc.APIKey, pc.BaseURL, pc.MaxTokens)
			}
			backend = anthropicBackend
		case config.BackendOpenAILocal:
			pc := cfg.Providers.OpenAILocal
			if !pc.Configured() {
				return nil, fmt.Errorf("tier %s uses %s but providers.%s is not configured", name, tc.Backend, tc.Backend)
			}
			if openAIBackend == nil {
				openAIBackend = agent.NewOpenAIBackend(pc.APIKey, pc.BaseURL, pc.MaxTokens)
			}
			backend = openAIBackend
		default:
			return nil, fmt.Errorf("tier %s: unknown backend %q", name, tc.Backend)
		}
		routes[t] = agent.Route{Backend: backend, Model: tc.Model}
	}
	return routes, nil
}

func cliConfig(cfg *config.Config) agent.CLIConfig {
	c := cfg.Providers.CLI

	models := make(map[tier.Tier]string)
	for name, tc := range cfg.Tiers {
		if t, ok := tier.Parse(name); ok && tc.CLIModel != "" {
			models[t] = tc.CLIModel
		}
	}

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}

	return agent.CLIConfig{
		Command:      c.Command,
		Args:         c.Args,
		Env:          env,
		WorkDir:      c.WorkDir,
		Models:       models,
		StallTimeout: c.StallTimeout(),
		HardTimeout:  c.HardTimeout(),
	}
}
