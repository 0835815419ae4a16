package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/in-the-loop-labs/pairreview/internal/agent/provider"
)

// providerStatus is a provider definition plus its most recent probe result,
// if one exists.
type providerStatus struct {
	*provider.Provider
	Availability *provider.Availability `json:"availability,omitempty"`
}

type listProvidersResponse struct {
	Providers []providerStatus `json:"providers"`
	Total     int              `json:"total"`
}

// listProviders returns the registry with cached availability. It never
// probes; POST /providers/check does that.
func (h *Handlers) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, h.providersWith(h.prober.Results()))
}

// checkProviders probes every provider and returns the refreshed registry.
func (h *Handlers) checkProviders(c *gin.Context) {
	results := h.prober.CheckAll(c.Request.Context())
	c.JSON(http.StatusOK, h.providersWith(results))
}

func (h *Handlers) providersWith(results map[string]provider.Availability) listProvidersResponse {
	provs := h.registry.List()
	out := make([]providerStatus, 0, len(provs))
	for _, p := range provs {
		status := providerStatus{Provider: p}
		if avail, ok := results[p.ID]; ok {
			status.Availability = &avail
		}
		out = append(out, status)
	}
	return listProvidersResponse{Providers: out, Total: len(out)}
}
