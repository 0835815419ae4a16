package main

import (
	"github.com/in-the-loop-labs/pairreview/internal/agent/provider"
	"github.com/in-the-loop-labs/pairreview/internal/common/config"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// provideProviders loads the embedded registry, applies the configured
// per-provider overrides and builds the availability prober.
func provideProviders(cfg *config.Config, log *logger.Logger) (*provider.Registry, *provider.Prober, error) {
	registry, err := provider.NewRegistry(log)
	if err != nil {
		return nil, nil, err
	}

	if len(cfg.Providers) > 0 {
		overrides := make(map[string]provider.Override, len(cfg.Providers))
		for id, o := range cfg.Providers {
			overrides[id] = provider.Override{
				Command:   o.Command,
				Args:      o.Args,
				Env:       o.Env,
				ExtraArgs: o.ExtraArgs,
			}
		}
		registry.ApplyOverrides(overrides)
	}

	return registry, provider.NewProber(registry, log), nil
}
