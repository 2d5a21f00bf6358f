package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/mjc/reencodarr/internal/stats"
)

// StatsHandler serves the aggregated queue projection.
type StatsHandler struct {
	collector *stats.Collector
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(collector *stats.Collector) *StatsHandler {
	return &StatsHandler{collector: collector}
}

// StatsOutput is the output for the stats endpoint.
type StatsOutput struct {
	Body stats.Snapshot
}

// Register registers the stats routes with the API.
func (h *StatsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStats",
		Method:      "GET",
		Path:        "/api/v1/stats",
		Summary:     "Queue statistics",
		Description: "Returns per-state counts, chosen sample totals and estimated space savings. Cached for about a second.",
		Tags:        []string{"Stats"},
	}, h.GetStats)
}

// GetStats returns the current queue projection.
func (h *StatsHandler) GetStats(ctx context.Context, input *struct{}) (*StatsOutput, error) {
	snap, err := h.collector.Snapshot(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("computing stats", err)
	}
	return &StatsOutput{Body: *snap}, nil
}
