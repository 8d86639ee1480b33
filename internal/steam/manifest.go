package steam

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/models"
	"github.com/I3eyonder/decky-save-game-savior/internal/vdf"
)

// ReadChangeManifest reads the tracked-file list for the game, concatenating
// the remotecache.vdf of every known account. Accounts without one simply
// contribute nothing. Entries are not deduplicated; they are relative paths
// joined to each save root in turn.
func (s *Scanner) ReadChangeManifest(game *models.GameInfo) []string {
	var entries []string
	for _, dir := range s.userDataDirs(game.GameID) {
		path := filepath.Join(dir, "remotecache.vdf")
		f, err := os.Open(path)
		if err != nil {
			log.Debug().Str("path", path).Msg("No change manifest for account")
			continue
		}
		entries = append(entries, vdf.ParseChangeManifest(f)...)
		f.Close()
	}
	log.Debug().Int("game_id", game.GameID).Int("entries", len(entries)).Msg("Read change manifest")
	return entries
}

// LoadManifest returns the change-manifest entries for the game, resolving
// and memoizing its save roots on first use. The entry list is the ground
// truth for every copy operation: only files it names are backed up or
// restored.
//
// Returns ErrNoAccounts before any account id is known, and ErrUnsupported
// when the manifest is empty or no save root validates against it.
func (s *Scanner) LoadManifest(game *models.GameInfo) ([]string, error) {
	if len(s.accountIDs) == 0 {
		return nil, ErrNoAccounts
	}

	entries := s.ReadChangeManifest(game)
	if len(entries) == 0 {
		log.Warn().Int("game_id", game.GameID).Str("name", game.GameName).Msg("Change manifest is empty, backup not supported")
		return nil, ErrUnsupported
	}

	if err := s.ResolveSaveRoots(game, entries); err != nil {
		return nil, err
	}
	return entries, nil
}
