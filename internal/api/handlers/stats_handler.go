package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/I3eyonder/decky-save-game-savior/internal/services"
)

// StatsHandler reports capacity figures for the snapshot store.
type StatsHandler struct {
	snapshots services.SnapshotServiceProvider
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(snapshots services.SnapshotServiceProvider) *StatsHandler {
	return &StatsHandler{snapshots: snapshots}
}

// StoreStats is the response body for the stats endpoint.
type StoreStats struct {
	Path          string  `json:"path"`
	TotalBytes    uint64  `json:"totalBytes"`
	FreeBytes     uint64  `json:"freeBytes"`
	UsedPercent   float64 `json:"usedPercent"`
	SnapshotCount int     `json:"snapshotCount"`
}

// Get handles the request for snapshot store statistics.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	path := h.snapshots.SavesDir()
	usage, err := disk.Usage(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to read disk usage")
		http.Error(w, "Failed to read disk usage: "+err.Error(), http.StatusInternalServerError)
		return
	}

	saves, err := h.snapshots.List()
	if err != nil {
		http.Error(w, "Failed to list snapshots: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, StoreStats{
		Path:          path,
		TotalBytes:    usage.Total,
		FreeBytes:     usage.Free,
		UsedPercent:   usage.UsedPercent,
		SnapshotCount: len(saves),
	})
}
