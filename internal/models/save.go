package models

// SaveInfo is the JSON sidecar written next to every snapshot payload
// directory. The payload directory is named exactly Filename, with the
// per-root suffix appended for save roots beyond the first.
type SaveInfo struct {
	GameInfo  *GameInfo `json:"game_info"`
	Timestamp int64     `json:"timestamp"` // milliseconds since epoch
	Filename  string    `json:"filename"`  // "save_"|"undo_" + game id + "_" + timestamp
	IsUndo    bool      `json:"is_undo"`
}
