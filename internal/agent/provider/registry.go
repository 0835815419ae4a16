// Package provider manages the table of agent CLIs PairReview can drive
// and probes whether they are installed.
package provider

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/in-the-loop-labs/pairreview/internal/agent/bridge"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

//go:embed providers.yaml
var providersFS embed.FS

// providersConfig is the structure of the providers.yaml file.
type providersConfig struct {
	Version   string      `yaml:"version"`
	Providers []*Provider `yaml:"providers"`
}

// Provider describes one agent CLI: the wire protocol its bridge speaks and
// how to spawn it.
type Provider struct {
	ID          string            `yaml:"id" json:"id"`
	DisplayName string            `yaml:"display_name" json:"display_name"`
	Kind        string            `yaml:"kind" json:"kind"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args,omitempty"`
	Env         map[string]string `yaml:"env" json:"env,omitempty"`
}

// clone returns a deep copy so callers can mutate freely.
func (p *Provider) clone() *Provider {
	c := *p
	if p.Args != nil {
		c.Args = append([]string{}, p.Args...)
	}
	if p.Env != nil {
		c.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			c.Env[k] = v
		}
	}
	return &c
}

// Override adjusts one provider from user configuration. Command and Args
// replace the defaults; Env merges over them; ExtraArgs appends to the
// (possibly replaced) argument list.
type Override struct {
	Command   string
	Args      []string
	Env       map[string]string
	ExtraArgs []string
}

// Registry manages the known providers.
type Registry struct {
	logger *logger.Logger

	mu        sync.RWMutex
	providers map[string]*Provider
}

// NewRegistry loads the embedded provider table.
func NewRegistry(log *logger.Logger) (*Registry, error) {
	data, err := providersFS.ReadFile("providers.yaml")
	if err != nil {
		return nil, fmt.Errorf("read providers config: %w", err)
	}
	var cfg providersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers config: %w", err)
	}

	r := &Registry{
		logger:    log.WithFields(zap.String("component", "provider-registry")),
		providers: make(map[string]*Provider, len(cfg.Providers)),
	}
	for _, p := range cfg.Providers {
		if err := validateProvider(p); err != nil {
			r.logger.Warn("skipping invalid provider",
				zap.String("id", p.ID),
				zap.Error(err))
			continue
		}
		r.providers[p.ID] = p
	}
	return r, nil
}

func validateProvider(p *Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if p.Command == "" {
		return fmt.Errorf("provider command is required")
	}
	switch p.Kind {
	case bridge.ProtocolNDJSON, bridge.ProtocolRPC, bridge.ProtocolJSONL:
	default:
		return fmt.Errorf("unknown protocol kind %q", p.Kind)
	}
	return nil
}

// ApplyOverrides merges per-provider user configuration into the table.
// Overrides for unknown providers are logged and skipped.
func (r *Registry) ApplyOverrides(overrides map[string]Override) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, o := range overrides {
		p, ok := r.providers[id]
		if !ok {
			r.logger.Warn("override for unknown provider", zap.String("id", id))
			continue
		}
		if o.Command != "" {
			p.Command = o.Command
		}
		if o.Args != nil {
			p.Args = append([]string{}, o.Args...)
		}
		if len(o.Env) > 0 {
			if p.Env == nil {
				p.Env = make(map[string]string, len(o.Env))
			}
			for k, v := range o.Env {
				p.Env[k] = v
			}
		}
		if len(o.ExtraArgs) > 0 {
			p.Args = append(p.Args, o.ExtraArgs...)
		}
		r.logger.Info("applied provider override", zap.String("id", id))
	}
}

// Get returns a deep copy of a provider, nil when unknown. The
// PAIRREVIEW_<ID>_CMD environment variable, when set, replaces the command
// last, after any configuration overrides.
func (r *Registry) Get(id string) *Provider {
	r.mu.RLock()
	p, ok := r.providers[id]
	if ok {
		p = p.clone()
	}
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	if cmd := os.Getenv(envCommandKey(id)); cmd != "" {
		p.Command = cmd
	}
	return p
}

// List returns deep copies of all providers, sorted by id.
func (r *Registry) List() []*Provider {
	r.mu.RLock()
	result := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p.clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	for _, p := range result {
		if cmd := os.Getenv(envCommandKey(p.ID)); cmd != "" {
			p.Command = cmd
		}
	}
	return result
}

// Exists reports whether a provider id is known.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// envCommandKey is the per-provider command override variable, e.g.
// PAIRREVIEW_CLAUDE_CODE_CMD for claude-code.
func envCommandKey(id string) string {
	return "PAIRREVIEW_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_CMD"
}
