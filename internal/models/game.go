package models

// GameInfo describes one installed Steam title.
//
// SaveGamesRoots is populated lazily by the save-root resolver on the first
// backup attempt and maps each discovered save directory to the suffix used
// for its payload directory inside a snapshot. The first discovered root gets
// the empty suffix, later ones "_1", "_2", ... That assignment is permanent
// once a snapshot referencing it exists, so resolution must be reproducible.
type GameInfo struct {
	InstallRoot    string            `json:"install_root"`
	GameID         int               `json:"game_id"`
	GameName       string            `json:"game_name"`
	SaveGamesRoots map[string]string `json:"save_games_roots,omitempty"`

	// LegacySaveRoot is only ever read, from sidecars written before the
	// multi-root format. UpgradeLegacyRoots migrates it.
	LegacySaveRoot string `json:"save_games_root,omitempty"`
}

// UpgradeLegacyRoots migrates a pre-v2 single-root record to the current
// shape: the lone legacy root becomes a one-entry mapping with the empty
// suffix. No-op for records already in the new format.
func (g *GameInfo) UpgradeLegacyRoots() {
	if g.SaveGamesRoots == nil && g.LegacySaveRoot != "" {
		g.SaveGamesRoots = map[string]string{g.LegacySaveRoot: ""}
		g.LegacySaveRoot = ""
	}
}

// Clone returns a deep copy. Snapshot sidecars embed a copy of the game
// record, not a live reference into the enumerator cache.
func (g *GameInfo) Clone() *GameInfo {
	cp := *g
	if g.SaveGamesRoots != nil {
		roots := make(map[string]string, len(g.SaveGamesRoots))
		for dir, suffix := range g.SaveGamesRoots {
			roots[dir] = suffix
		}
		cp.SaveGamesRoots = roots
	}
	return &cp
}
