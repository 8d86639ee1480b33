package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/services"
)

// GameHandler handles HTTP requests related to installed games.
type GameHandler struct {
	games     services.GameServiceProvider
	snapshots services.SnapshotServiceProvider
}

// NewGameHandler creates a new GameHandler.
func NewGameHandler(games services.GameServiceProvider, snapshots services.SnapshotServiceProvider) *GameHandler {
	return &GameHandler{games: games, snapshots: snapshots}
}

// GetAll handles the request to list every installed game.
func (h *GameHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	games, err := h.games.AllGames()
	if err != nil {
		log.Error().Err(err).Msg("Failed to enumerate games")
		http.Error(w, "Failed to enumerate games: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, games)
}

// GetSupported handles the request to list games that can be backed up.
func (h *GameHandler) GetSupported(w http.ResponseWriter, r *http.Request) {
	games, err := h.games.AllGames()
	if err != nil {
		log.Error().Err(err).Msg("Failed to enumerate games")
		http.Error(w, "Failed to enumerate games: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshots.FindSupported(games))
}

// FindMounted filters the posted directory list down to mounted ones.
func (h *GameHandler) FindMounted(w http.ResponseWriter, r *http.Request) {
	var dirs []string
	if err := json.NewDecoder(r.Body).Decode(&dirs); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.games.FindMounted(dirs))
}

// Rescan invalidates the cached library scan.
func (h *GameHandler) Rescan(w http.ResponseWriter, r *http.Request) {
	h.games.InvalidateCache()
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
