package models

import "time"

// Event represents a loggable action or alert in the system.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`  // e.g., "backup.create", "store.alert.usage"
	Level     string    `json:"level"` // e.g., "info", "warn", "error"
	Message   string    `json:"message"`
	GameID    *int      `json:"gameId,omitempty"` // Nullable for system-wide events
	CreatedAt time.Time `json:"createdAt"`
}
