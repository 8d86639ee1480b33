package steam

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/models"
)

// autocloudMarker is the sentinel file Valve drops in a developer-chosen,
// otherwise unstructured cloud-sync directory.
const autocloudMarker = "steam_autocloud.vdf"

// windowsSaveDirs are the Windows-convention save locations probed under a
// Proton prefix's simulated user profile.
var windowsSaveDirs = []string{
	"Documents",
	"Application Data",
	filepath.Join("AppData", "LocalLow"),
	filepath.Join("Local Settings", "Application Data"),
}

// gameSavesRoot returns the directory under which save files for the game
// might live: the native install directory for Linux builds, or the Proton
// prefix's simulated user profile for Windows builds running under the
// compatibility layer. With system set, the primary Steam root is probed
// instead of the game's install root.
func (s *Scanner) gameSavesRoot(game *models.GameInfo, installDir string, linuxGame, system bool) string {
	steamApps := s.steamAppsDir(game, system)
	if linuxGame {
		return filepath.Join(steamApps, "common", installDir)
	}
	return filepath.Join(steamApps, "compatdata", strconv.Itoa(game.GameID), "pfx", "drive_c", "users", "steamuser")
}

// RootIsValid reports whether a candidate save root is plausible for the
// given change-manifest entries: at least one entry, joined to the root, must
// name an existing regular file. Also used to re-confirm an already-resolved
// root before relying on it, which protects against removable storage being
// unmounted after the first scan.
func RootIsValid(root string, entries []string) bool {
	for _, entry := range entries {
		if fi, err := os.Stat(filepath.Join(root, entry)); err == nil && fi.Mode().IsRegular() {
			log.Debug().Str("root", root).Msg("Change manifest validates save root")
			return true
		}
	}
	return false
}

// AnyRootValid reports whether at least one already-resolved root still
// validates against the change-manifest entries.
func AnyRootValid(roots map[string]string, entries []string) bool {
	for root := range roots {
		if RootIsValid(root, entries) {
			return true
		}
	}
	return false
}

// likelyCandidates returns the standard save locations to probe for the
// game, in probe order. For titles on removable storage the system Steam
// root's locations come first, since such titles sometimes still write saves
// to primary storage; the first candidate to validate becomes the first
// discovered root and keeps the empty payload suffix.
func (s *Scanner) likelyCandidates(game *models.GameInfo, installDir string) []string {
	var candidates []string
	addRoots := func(system bool) {
		// the native layout, install subdirectory under "common"
		candidates = append(candidates, s.gameSavesRoot(game, installDir, true, system))

		// Documents and application data under the Proton profile
		profile := s.gameSavesRoot(game, installDir, false, system)
		for _, subdir := range windowsSaveDirs {
			candidates = append(candidates, filepath.Join(profile, subdir))
		}
	}

	if onRemovableStorage(game) {
		addRoots(true)
	}
	addRoots(false)
	return candidates
}

// likelyLocations probes the standard save locations for the game and
// returns those validated by the change manifest.
func (s *Scanner) likelyLocations(game *models.GameInfo, installDir string, entries []string) []string {
	candidates := s.likelyCandidates(game, installDir)
	log.Debug().Strs("candidates", candidates).Int("game_id", game.GameID).Msg("Probing likely save locations")

	var found []string
	for _, dir := range candidates {
		if RootIsValid(dir, entries) {
			found = append(found, dir)
		}
	}
	return found
}

// findAutocloudDirs walks the game's native (or Proton) tree and returns
// every directory containing an autocloud marker file. A missing tree yields
// no directories.
func (s *Scanner) findAutocloudDirs(game *models.GameInfo, installDir string, linuxGame bool) []string {
	root := s.gameSavesRoot(game, installDir, linuxGame, false)

	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking the rest
		}
		if !d.IsDir() && d.Name() == autocloudMarker {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})

	log.Debug().Str("root", root).Strs("dirs", dirs).Msg("Autocloud marker scan")
	return dirs
}

// saveRootFromAutocloud derives the true save root from an autocloud marker
// directory. The longest common prefix of all manifest entries is trimmed
// back to the last path-separator boundary (a prefix ending mid-filename is
// not a directory); if the marker directory ends with that trimmed prefix,
// the matching suffix is stripped to find the root. Corrects for titles
// whose marker lives inside a subdirectory rather than at the save root.
//
// Manifest entries use '/' as separator on every platform.
func saveRootFromAutocloud(entries []string, autocloudDir string) string {
	if len(entries) < 1 {
		return "" // nothing tracked, nothing to scan against
	}

	prefix := entries[0]
	for _, entry := range entries[1:] {
		for !strings.HasPrefix(entry, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				break
			}
		}
		if prefix == "" {
			break
		}
	}

	if cut := strings.LastIndex(prefix, "/"); cut != -1 {
		prefix = prefix[:cut]
		if strings.HasSuffix(autocloudDir, prefix) {
			autocloudDir = autocloudDir[:len(autocloudDir)-len(prefix)]
		}
	}

	return filepath.Clean(autocloudDir)
}

// findSaveRoots accumulates candidate save roots for the game across all
// resolution steps, deduplicated first-occurrence-wins. Candidates are not
// yet validated against the change manifest; ResolveSaveRoots does that.
func (s *Scanner) findSaveRoots(game *models.GameInfo, entries []string) []string {
	var found []string

	// Games using the Steam cloud API proper keep saves in per-account
	// "remote" directories (or the Linux XDG equivalent).
	for _, dir := range s.userDataDirs(game.GameID) {
		for _, sub := range []string{"remote", filepath.Join("ac", "LinuxXdgDataHome")} {
			full := filepath.Join(dir, sub)
			if fi, err := os.Stat(full); err == nil && fi.IsDir() {
				found = append(found, full)
			}
		}
	}

	// Everything past this point needs the declared install subdirectory.
	installDir := s.installDir(game)
	if installDir == "" {
		log.Error().Int("game_id", game.GameID).Str("name", game.GameName).Msg("No installdir in appmanifest, cannot scan for saves")
		return dedup(found)
	}

	// Standard doc roots are checked before autocloud markers because they
	// are more often the match.
	found = append(found, s.likelyLocations(game, installDir, entries)...)

	// Lastly scan for autocloud markers: the developer declared a backup
	// path in their web console instead of using the cloud API.
	autoclouds := s.findAutocloudDirs(game, installDir, true)
	if len(autoclouds) < 1 {
		autoclouds = s.findAutocloudDirs(game, installDir, false)
	}
	for _, dir := range autoclouds {
		if root := saveRootFromAutocloud(entries, dir); root != "" {
			log.Debug().Str("autocloud", dir).Str("root", root).Msg("Mapped autocloud marker to save root")
			found = append(found, root)
		}
	}

	return dedup(found)
}

// ResolveSaveRoots populates game.SaveGamesRoots from the accumulated,
// manifest-validated candidates. Once populated the field is treated as
// cached and not recomputed. Returns ErrUnsupported when no candidate
// survives validation.
func (s *Scanner) ResolveSaveRoots(game *models.GameInfo, entries []string) error {
	if game.SaveGamesRoots != nil {
		return nil
	}

	candidates := s.findSaveRoots(game, entries)
	if len(candidates) < 1 {
		log.Warn().Int("game_id", game.GameID).Str("name", game.GameName).Msg("No save roots found, backup not supported")
		return ErrUnsupported
	}

	// Drop roots with no file named by the change manifest: if no savegame
	// exists under a root, our guess about it was wrong.
	var roots []string
	for _, dir := range candidates {
		if RootIsValid(dir, entries) {
			roots = append(roots, dir)
		}
	}
	if len(roots) < 1 {
		log.Warn().Int("game_id", game.GameID).Str("name", game.GameName).Msg("Change manifest matches no candidate root, backup not supported")
		return ErrUnsupported
	}

	// The first root keeps the empty suffix for compatibility with rev1
	// snapshot layouts; later roots get _1, _2, ... in discovery order.
	rootsMap := make(map[string]string, len(roots))
	for i, dir := range roots {
		suffix := ""
		if i > 0 {
			suffix = "_" + strconv.Itoa(i)
		}
		rootsMap[dir] = suffix
	}
	game.SaveGamesRoots = rootsMap
	return nil
}

// dedup removes duplicates preserving first-occurrence order.
func dedup(dirs []string) []string {
	seen := make(map[string]struct{}, len(dirs))
	var out []string
	for _, d := range dirs {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
