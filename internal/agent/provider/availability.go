package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// probeTimeout bounds a single --version probe.
const probeTimeout = 5 * time.Second

// Availability is the result of probing one provider's command.
type Availability struct {
	ProviderID string    `json:"provider_id"`
	Available  bool      `json:"available"`
	Reason     string    `json:"reason,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Prober runs availability probes and caches the results for the process
// lifetime.
type Prober struct {
	registry *Registry
	logger   *logger.Logger

	mu      sync.RWMutex
	results map[string]Availability
}

// NewProber creates a prober over the given registry.
func NewProber(reg *Registry, log *logger.Logger) *Prober {
	return &Prober{
		registry: reg,
		logger:   log.WithFields(zap.String("component", "provider-prober")),
		results:  make(map[string]Availability),
	}
}

// CheckAvailability probes one provider by running `<command> --version`
// with a 5 second deadline. Exit 0 means available; a spawn failure,
// non-zero exit or timeout means unavailable with the reason. The result is
// cached.
func (p *Prober) CheckAvailability(ctx context.Context, id string) Availability {
	result := Availability{ProviderID: id, CheckedAt: time.Now()}

	prov := p.registry.Get(id)
	if prov == nil {
		result.Reason = "unknown provider"
		p.store(result)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, prov.Command, "--version")
	if len(prov.Env) > 0 {
		env := os.Environ()
		for k, v := range prov.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Reason = fmt.Sprintf("probe timed out after %s", probeTimeout)
		} else {
			result.Reason = err.Error()
		}
		p.logger.Debug("provider unavailable",
			zap.String("id", id),
			zap.String("reason", result.Reason))
		p.store(result)
		return result
	}

	result.Available = true
	p.store(result)
	return result
}

// CheckAll probes every registered provider in parallel and returns the
// refreshed cache.
func (p *Prober) CheckAll(ctx context.Context) map[string]Availability {
	g, ctx := errgroup.WithContext(ctx)
	for _, prov := range p.registry.List() {
		id := prov.ID
		g.Go(func() error {
			p.CheckAvailability(ctx, id)
			return nil
		})
	}
	// Probes record failures in the cache, never as errors.
	_ = g.Wait()
	return p.Results()
}

func (p *Prober) store(result Availability) {
	p.mu.Lock()
	p.results[result.ProviderID] = result
	p.mu.Unlock()
}

// Result returns the cached probe result for one provider.
func (p *Prober) Result(id string) (Availability, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result, ok := p.results[id]
	return result, ok
}

// Results returns a copy of the probe cache.
func (p *Prober) Results() map[string]Availability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Availability, len(p.results))
	for id, result := range p.results {
		out[id] = result
	}
	return out
}

// Clear empties the probe cache.
func (p *Prober) Clear() {
	p.mu.Lock()
	p.results = make(map[string]Availability)
	p.mu.Unlock()
}
