package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/services"
	"github.com/I3eyonder/decky-save-game-savior/internal/steam"
)

// SnapshotHandler handles HTTP requests related to snapshots.
type SnapshotHandler struct {
	games     services.GameServiceProvider
	snapshots services.SnapshotServiceProvider
}

// NewSnapshotHandler creates a new SnapshotHandler.
func NewSnapshotHandler(games services.GameServiceProvider, snapshots services.SnapshotServiceProvider) *SnapshotHandler {
	return &SnapshotHandler{games: games, snapshots: snapshots}
}

// BackupResult is the response body for a backup request without a new
// snapshot: either nothing changed or the run was dry.
type BackupResult struct {
	Result string `json:"result"` // "skipped" or "would_backup"
}

// Backup handles the request to back up one game. Query parameters:
// dry_run performs only the change-detection check, mark_last_used remembers
// the snapshot for reuse.
func (h *SnapshotHandler) Backup(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid game id", http.StatusBadRequest)
		return
	}
	game, ok := h.games.GameByID(id)
	if !ok {
		http.Error(w, "Unknown game id", http.StatusNotFound)
		return
	}

	opts := services.BackupOptions{
		DryRun:       r.URL.Query().Get("dry_run") == "true",
		MarkLastUsed: r.URL.Query().Get("mark_last_used") == "true",
	}

	save, err := h.snapshots.Backup(game, opts)
	switch {
	case errors.Is(err, steam.ErrUnsupported):
		http.Error(w, "Game cannot be backed up: "+err.Error(), http.StatusUnprocessableEntity)
		return
	case errors.Is(err, steam.ErrNotMounted):
		http.Error(w, "Save location not mounted: "+err.Error(), http.StatusConflict)
		return
	case err != nil:
		log.Error().Err(err).Int("game_id", id).Msg("Failed to create backup")
		http.Error(w, "Failed to create backup: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if save == nil {
		writeJSON(w, http.StatusOK, BackupResult{Result: "skipped"})
		return
	}
	if save.Filename == "" {
		writeJSON(w, http.StatusOK, BackupResult{Result: "would_backup"})
		return
	}
	writeJSON(w, http.StatusCreated, save)
}

// GetAll handles the request to list all snapshots.
func (h *SnapshotHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	saves, err := h.snapshots.List()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list snapshots")
		http.Error(w, "Failed to list snapshots: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, saves)
}

// Restore handles the request to restore a snapshot.
func (h *SnapshotHandler) Restore(w http.ResponseWriter, r *http.Request) {
	save, err := h.snapshots.SaveByFilename(chi.URLParam(r, "filename"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := h.snapshots.Restore(save); err != nil {
		log.Error().Err(err).Str("filename", save.Filename).Msg("Failed to restore snapshot")
		http.Error(w, "Failed to restore snapshot: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, save)
}

// Delete handles the request to delete a snapshot.
func (h *SnapshotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	save, err := h.snapshots.SaveByFilename(chi.URLParam(r, "filename"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := h.snapshots.Delete(save); err != nil {
		log.Error().Err(err).Str("filename", save.Filename).Msg("Failed to delete snapshot")
		http.Error(w, "Failed to delete snapshot: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reuse handles the request to replay the last-used snapshot.
func (h *SnapshotHandler) Reuse(w http.ResponseWriter, r *http.Request) {
	if err := h.snapshots.Reuse(); err != nil {
		log.Error().Err(err).Msg("Failed to reuse last snapshot")
		http.Error(w, "Failed to reuse last snapshot: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLastUsed returns the last-used snapshot, if any.
func (h *SnapshotHandler) GetLastUsed(w http.ResponseWriter, r *http.Request) {
	save := h.snapshots.LastUsed()
	if save == nil {
		http.Error(w, "No last used snapshot", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, save)
}

// ClearLastUsed forgets the last-used snapshot.
func (h *SnapshotHandler) ClearLastUsed(w http.ResponseWriter, r *http.Request) {
	h.snapshots.ClearLastUsed()
	w.WriteHeader(http.StatusNoContent)
}
