// Package steam discovers installed titles across Steam library volumes and
// infers where each one keeps its save files.
//
// Steam's save-location metadata is inconsistent across titles: native Linux
// paths, Proton prefix paths, legacy autocloud directories, multiple library
// volumes. The scanner first reads the per-title change manifest
// (remotecache.vdf) as ground truth for which files are tracked, then probes
// a fixed set of path conventions and only accepts a candidate directory if
// at least one tracked file actually exists under it.
package steam

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/models"
	"github.com/I3eyonder/decky-save-game-savior/internal/vdf"
)

// Scanner enumerates libraries and titles under one Steam root and resolves
// per-title save roots.
type Scanner struct {
	root       string
	accountIDs []int // kept sorted: suffix assignment must be reproducible
}

// NewScanner creates a Scanner for the given Steam root directory.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// Root returns the Steam root directory.
func (s *Scanner) Root() string {
	return s.root
}

// AccountIDs returns the known account ids in ascending order.
func (s *Scanner) AccountIDs() []int {
	return s.accountIDs
}

// AddAccountID registers a Steam account id. Duplicates are ignored.
func (s *Scanner) AddAccountID(id int) {
	for _, existing := range s.accountIDs {
		if existing == id {
			return
		}
	}
	log.Debug().Int("account_id", id).Msg("Adding steam account id")
	s.accountIDs = append(s.accountIDs, id)
	sort.Ints(s.accountIDs)
}

// AutoDetectAccounts scans the userdata directory for numeric profile
// directories and registers each as an account id. Only positive names are
// profiles; the "0" anonymous placeholder is skipped.
func (s *Scanner) AutoDetectAccounts() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "userdata"))
	if err != nil {
		return nil, fmt.Errorf("scanning userdata: %w", err)
	}

	var ids []int
	for _, e := range entries {
		id, err := strconv.Atoi(e.Name())
		if err != nil || id <= 0 {
			continue
		}
		s.AddAccountID(id)
		ids = append(ids, id)
	}
	return ids, nil
}

// LibraryFolders returns the root path of every library volume declared in
// libraryfolders.vdf, in file order. The primary root is conventionally
// volume index 0 and therefore included.
func (s *Scanner) LibraryFolders() ([]string, error) {
	return vdf.ParseLibraryPaths(filepath.Join(s.root, "steamapps", "libraryfolders.vdf"))
}

// AllGames scans every library volume for installed titles. A title is
// emitted when its appmanifest carries both an id and a display name; volumes
// that cannot be listed (unmounted removable storage) are logged and skipped.
// A later volume overwrites an earlier entry sharing the same id in the
// returned map; the slice keeps every emission in scan order.
func (s *Scanner) AllGames() ([]*models.GameInfo, map[int]*models.GameInfo, error) {
	libs, err := s.LibraryFolders()
	if err != nil {
		return nil, nil, fmt.Errorf("reading library folders: %w", err)
	}

	var games []*models.GameInfo
	byID := map[int]*models.GameInfo{}
	for _, lib := range libs {
		appsDir := filepath.Join(lib, "steamapps")
		entries, err := os.ReadDir(appsDir)
		if err != nil {
			log.Warn().Err(err).Str("dir", appsDir).Msg("Skipping invalid library directory")
			continue
		}

		for _, e := range entries {
			name := e.Name()
			if !strings.HasPrefix(name, "appmanifest_") || !strings.HasSuffix(name, ".acf") {
				continue
			}
			kv := vdf.ParseKeyValues(filepath.Join(appsDir, name))
			idStr, okID := kv["appid"]
			gameName, okName := kv["name"]
			if !okID || !okName {
				continue
			}
			id, err := strconv.Atoi(idStr)
			if err != nil {
				continue
			}
			info := &models.GameInfo{
				// There may be multiple install roots on a deck (internal
				// vs sdcard) but only one per game.
				InstallRoot: lib,
				GameID:      id,
				GameName:    gameName,
			}
			games = append(games, info)
			byID[id] = info
		}
	}
	return games, byID, nil
}

// userDataDirs returns the per-account title directories for a game, one per
// known account id, in ascending account order.
func (s *Scanner) userDataDirs(gameID int) []string {
	dirs := make([]string, 0, len(s.accountIDs))
	for _, account := range s.accountIDs {
		dirs = append(dirs, filepath.Join(s.root, "userdata", strconv.Itoa(account), strconv.Itoa(gameID)))
	}
	return dirs
}

// steamAppsDir returns the steamapps directory for a game, either under its
// install root or, when system is set, under the primary Steam root.
func (s *Scanner) steamAppsDir(game *models.GameInfo, system bool) string {
	root := game.InstallRoot
	if system {
		root = s.root
	}
	return filepath.Join(root, "steamapps")
}

// installDir reads the declared install subdirectory name from the game's
// appmanifest, or "" when the manifest is missing or lacks one.
func (s *Scanner) installDir(game *models.GameInfo) string {
	manifest := filepath.Join(s.steamAppsDir(game, false), fmt.Sprintf("appmanifest_%d.acf", game.GameID))
	return vdf.ParseKeyValues(manifest)["installdir"]
}

// onRemovableStorage reports whether the game is installed on external
// storage. Removable volumes are mounted under /run on the deck.
func onRemovableStorage(game *models.GameInfo) bool {
	return strings.HasPrefix(game.InstallRoot, "/run")
}
