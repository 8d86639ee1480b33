package services

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/models"
	"github.com/I3eyonder/decky-save-game-savior/internal/steam"
)

// BackupOptions controls a single backup run.
type BackupOptions struct {
	// DryRun performs the manifest read and change-detection check but
	// skips all filesystem writes.
	DryRun bool
	// MarkLastUsed remembers the new snapshot for Reuse.
	MarkLastUsed bool
}

// SnapshotServiceProvider defines the interface for snapshot services.
//
// Callers must not run operations against the same game concurrently; the
// service additionally serializes them with a per-game lock.
type SnapshotServiceProvider interface {
	Backup(game *models.GameInfo, opts BackupOptions) (*models.SaveInfo, error)
	Restore(save *models.SaveInfo) error
	Reuse() error
	Delete(save *models.SaveInfo) error
	List() ([]*models.SaveInfo, error)
	SaveByFilename(filename string) (*models.SaveInfo, error)
	FindSupported(games []*models.GameInfo) []*models.GameInfo
	LastUsed() *models.SaveInfo
	ClearLastUsed()
	SavesDir() string
}

// SnapshotService creates, restores, lists and culls versioned snapshots of
// per-game save directories. Each snapshot is a JSON sidecar plus one
// payload directory per save root, named sidecar filename + root suffix.
type SnapshotService struct {
	scanner         *steam.Scanner
	events          EventServiceProvider
	savesDir        string
	maxSaves        int
	ignoreUnchanged bool

	mu        sync.Mutex
	lastUsed  *models.SaveInfo
	lastStamp int64
	gameLocks map[int]*sync.Mutex
}

// NewSnapshotService creates a SnapshotService storing snapshots under
// appDataDir. The events provider may be nil.
func NewSnapshotService(scanner *steam.Scanner, events EventServiceProvider, appDataDir string, maxSaves int, ignoreUnchanged bool) (*SnapshotService, error) {
	// saves2: the sidecar format changed shape once before release, and the
	// old directory is left alone rather than migrated in place
	savesDir, err := filepath.Abs(filepath.Join(appDataDir, "saves2"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(savesDir, 0755); err != nil {
		return nil, fmt.Errorf("creating saves directory: %w", err)
	}
	return &SnapshotService{
		scanner:         scanner,
		events:          events,
		savesDir:        savesDir,
		maxSaves:        maxSaves,
		ignoreUnchanged: ignoreUnchanged,
		gameLocks:       map[int]*sync.Mutex{},
	}, nil
}

// SavesDir returns the snapshot store directory.
func (s *SnapshotService) SavesDir() string {
	return s.savesDir
}

// Backup snapshots the current save files of a game.
//
// Returns (nil, nil) when change detection finds nothing new to back up, and
// a placeholder SaveInfo with an empty Filename for a dry run that would
// have backed up. Errors wrap steam.ErrUnsupported when the game has no
// usable change manifest or save roots, and steam.ErrNotMounted when the
// resolved roots are no longer reachable.
func (s *SnapshotService) Backup(game *models.GameInfo, opts BackupOptions) (*models.SaveInfo, error) {
	lock := s.gameLock(game.GameID)
	lock.Lock()
	defer lock.Unlock()

	log.Info().Int("game_id", game.GameID).Str("name", game.GameName).Msg("Attempting backup")

	entries, err := s.scanner.LoadManifest(game)
	if err != nil {
		return nil, err
	}

	// Re-confirm the cached roots before relying on them: an sdcard game
	// resolved in an earlier session may have been unplugged since.
	if !steam.AnyRootValid(game.SaveGamesRoots, entries) {
		return nil, fmt.Errorf("save roots for game %d: %w", game.GameID, steam.ErrNotMounted)
	}

	newest, err := s.newestSave(game.GameID)
	if err != nil {
		return nil, err
	}
	if newest != nil && s.ignoreUnchanged {
		if newest.Timestamp > s.manifestTimestamp(entries, game) {
			log.Warn().Int("game_id", game.GameID).Msg("Skipping backup - no changed files")
			s.logEvent("backup.skip", "info", fmt.Sprintf("No changes for '%s' since last snapshot.", game.GameName), game.GameID)
			return nil, nil
		}
	}

	if opts.DryRun {
		return &models.SaveInfo{}, nil // placeholder: would have backed up
	}

	save := s.newSaveInfo(game, false)
	if err := s.copyAllToSave(save, entries); err != nil {
		s.logEvent("backup.fail", "error", fmt.Sprintf("Backup of '%s' failed: %v", game.GameName, err), game.GameID)
		return nil, err
	}
	if err := s.writeSidecar(save); err != nil {
		s.deleteSaveDirs(save.Filename)
		return nil, err
	}

	if opts.MarkLastUsed {
		s.setLastUsed(save)
	}
	s.cull()
	s.logEvent("backup.create", "info", fmt.Sprintf("Snapshot '%s' created for '%s'.", save.Filename, game.GameName), game.GameID)
	return save, nil
}

// Restore writes a snapshot's files back to the game's live save roots.
// Unless the snapshot is itself an undo, the current on-disk state is
// snapshotted as an undo first. The restored snapshot becomes "last used".
func (s *SnapshotService) Restore(save *models.SaveInfo) error {
	game := save.GameInfo
	lock := s.gameLock(game.GameID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.scanner.LoadManifest(game)
	if err != nil {
		return err
	}

	if !save.IsUndo {
		log.Info().Int("game_id", game.GameID).Msg("Generating undo files")
		undo := s.newSaveInfo(game, true)
		if err := s.copyAllToSave(undo, entries); err != nil {
			return err
		}
		if err := s.writeSidecar(undo); err != nil {
			s.deleteSaveDirs(undo.Filename)
			return err
		}
	}

	log.Info().Str("filename", save.Filename).Msg("Attempting restore")
	if err := s.copyAllFromSave(save, entries); err != nil {
		return err
	}

	// restoring created an undo, so there may be one too many now
	s.cull()
	s.setLastUsed(save)
	s.logEvent("restore", "info", fmt.Sprintf("Snapshot '%s' restored for '%s'.", save.Filename, game.GameName), game.GameID)
	return nil
}

// Reuse replays the last-used snapshot into the live save roots, snapshots
// that restored state as a new entry which becomes the new last-used, and
// deletes the snapshot that was active before. No-op without a last-used
// snapshot.
func (s *SnapshotService) Reuse() error {
	prev := s.LastUsed()
	if prev == nil {
		log.Debug().Msg("No last used snapshot, nothing to reuse")
		return nil
	}

	game := prev.GameInfo
	lock := s.gameLock(game.GameID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.scanner.LoadManifest(game)
	if err != nil {
		return err
	}

	if err := s.copyAllFromSave(prev, entries); err != nil {
		return err
	}

	log.Info().Str("filename", prev.Filename).Msg("Generating new snapshot for reuse")
	next := s.newSaveInfo(game, false)
	if err := s.copyAllToSave(next, entries); err != nil {
		return err
	}
	if err := s.writeSidecar(next); err != nil {
		s.deleteSaveDirs(next.Filename)
		return err
	}

	s.setLastUsed(next)
	s.deleteSaveDirs(prev.Filename)
	s.logEvent("reuse", "info", fmt.Sprintf("Snapshot '%s' reused as '%s'.", prev.Filename, next.Filename), game.GameID)
	return nil
}

// Delete removes a snapshot's sidecar and payload directories. Best effort:
// the goal is "make it gone", filesystem errors are swallowed.
func (s *SnapshotService) Delete(save *models.SaveInfo) error {
	lock := s.gameLock(save.GameInfo.GameID)
	lock.Lock()
	defer lock.Unlock()

	log.Debug().Str("filename", save.Filename).Msg("Deleting snapshot")
	s.deleteSaveDirs(save.Filename)
	s.logEvent("snapshot.delete", "warn", fmt.Sprintf("Snapshot '%s' deleted.", save.Filename), save.GameInfo.GameID)
	return nil
}

// List returns all snapshots, newest first, with the (at most one) undo
// snapshot moved to the front. Sidecars that fail to parse are deleted and
// skipped so the store heals itself.
func (s *SnapshotService) List() ([]*models.SaveInfo, error) {
	entries, err := os.ReadDir(s.savesDir)
	if err != nil {
		return nil, fmt.Errorf("listing saves directory: %w", err)
	}

	var infos []*models.SaveInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		save, err := s.readSidecar(filepath.Join(s.savesDir, e.Name()))
		if err != nil {
			log.Error().Err(err).Str("file", e.Name()).Msg("Error reading snapshot sidecar")
			continue
		}
		infos = append(infos, save)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Timestamp > infos[j].Timestamp
	})

	// undo first regardless of timestamp
	var undos, saves []*models.SaveInfo
	for _, info := range infos {
		if info.IsUndo {
			undos = append(undos, info)
		} else {
			saves = append(saves, info)
		}
	}
	return append(undos, saves...), nil
}

// SaveByFilename returns the snapshot with the given sidecar filename.
func (s *SnapshotService) SaveByFilename(filename string) (*models.SaveInfo, error) {
	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Filename == filename {
			return info, nil
		}
	}
	return nil, fmt.Errorf("snapshot %q not found", filename)
}

// FindSupported filters a list of games down to those with a usable change
// manifest and at least one validated save root. Failures are isolated: one
// bad game never aborts the batch.
//
// Resolution mutates the shared game records, so each one is checked under
// its per-game lock; the scheduler sweeps the same records the HTTP
// handlers back up.
func (s *SnapshotService) FindSupported(games []*models.GameInfo) []*models.GameInfo {
	var supported []*models.GameInfo
	for _, game := range games {
		lock := s.gameLock(game.GameID)
		lock.Lock()
		_, err := s.scanner.LoadManifest(game)
		lock.Unlock()
		if err != nil {
			log.Warn().Err(err).Int("game_id", game.GameID).Str("name", game.GameName).Msg("Game excluded from backup support")
			continue
		}
		supported = append(supported, game)
	}
	return supported
}

// LastUsed returns the snapshot most recently backed up with MarkLastUsed or
// restored, or nil.
func (s *SnapshotService) LastUsed() *models.SaveInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// ClearLastUsed forgets the last-used snapshot.
func (s *SnapshotService) ClearLastUsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = nil
}

func (s *SnapshotService) setLastUsed(save *models.SaveInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = save
}

// gameLock returns the mutex serializing operations for one game id.
func (s *SnapshotService) gameLock(id int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.gameLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.gameLocks[id] = lock
	}
	return lock
}

// timestamp returns the current time in ms, strictly increasing within the
// process: the value names the snapshot directory, so two snapshots in the
// same millisecond would collide.
func (s *SnapshotService) timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

// newSaveInfo builds the metadata record for a new snapshot. The game record
// is embedded as a copy, not a live reference.
func (s *SnapshotService) newSaveInfo(game *models.GameInfo, isUndo bool) *models.SaveInfo {
	ts := s.timestamp()
	kind := "save"
	if isUndo {
		kind = "undo"
	}
	return &models.SaveInfo{
		GameInfo:  game.Clone(),
		Timestamp: ts,
		Filename:  fmt.Sprintf("%s_%d_%d", kind, game.GameID, ts),
		IsUndo:    isUndo,
	}
}

// savePath returns the payload base path for a snapshot (no suffix).
func (s *SnapshotService) savePath(save *models.SaveInfo) string {
	return filepath.Join(s.savesDir, save.Filename)
}

// writeSidecar persists the snapshot metadata. Written only after the
// payload copy succeeded, so a sidecar on disk implies a complete snapshot.
func (s *SnapshotService) writeSidecar(save *models.SaveInfo) error {
	data, err := json.MarshalIndent(save, "", " ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.savePath(save)+".json", data, 0644)
}

// readSidecar loads one snapshot sidecar, upgrading legacy single-root
// records. A sidecar that fails to parse is deleted: the next scan will no
// longer see the bogus file.
func (s *SnapshotService) readSidecar(path string) (*models.SaveInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var save models.SaveInfo
	if err := json.Unmarshal(data, &save); err != nil || save.GameInfo == nil {
		if removeErr := os.Remove(path); removeErr == nil {
			log.Warn().Str("path", path).Msg("Deleted corrupt snapshot sidecar")
		}
		if err == nil {
			err = fmt.Errorf("sidecar %s has no game record", path)
		}
		return nil, err
	}
	save.GameInfo.UpgradeLegacyRoots()
	return &save, nil
}

// copyTracked copies every manifest-listed file that exists from srcDir into
// destDir, preserving relative paths and modification times and creating
// intermediate directories as needed. Missing files are skipped.
func copyTracked(entries []string, srcDir, destDir string) (int, error) {
	copied := 0
	for _, entry := range entries {
		src := filepath.Join(srcDir, entry)
		fi, err := os.Stat(src)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		dest := filepath.Join(destDir, entry)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return copied, err
		}
		if err := copyFile(src, dest, fi); err != nil {
			return copied, err
		}
		copied++
	}
	log.Info().Int("files", copied).Str("from", srcDir).Str("to", destDir).Msg("Copied tracked files")
	return copied, nil
}

func copyFile(src, dest string, fi os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// change detection compares file mtimes against snapshot timestamps,
	// so restored files must carry their original times
	return os.Chtimes(dest, time.Now(), fi.ModTime())
}

// copyAllToSave copies the live save files of every root into the snapshot's
// suffixed payload directories. A failure removes the partially written
// snapshot before propagating.
func (s *SnapshotService) copyAllToSave(save *models.SaveInfo, entries []string) error {
	base := s.savePath(save)
	for root, suffix := range save.GameInfo.SaveGamesRoots {
		if _, err := copyTracked(entries, root, base+suffix); err != nil {
			s.deleteSaveDirs(save.Filename)
			return fmt.Errorf("copying %s into snapshot: %w", root, err)
		}
	}
	return nil
}

// copyAllFromSave copies a snapshot's payload back out to the live roots.
func (s *SnapshotService) copyAllFromSave(save *models.SaveInfo, entries []string) error {
	base := s.savePath(save)
	for root, suffix := range save.GameInfo.SaveGamesRoots {
		if _, err := copyTracked(entries, base+suffix, root); err != nil {
			return fmt.Errorf("restoring snapshot into %s: %w", root, err)
		}
	}
	return nil
}

// deleteSaveDirs removes the sidecar and every payload directory of a
// snapshot, best effort.
func (s *SnapshotService) deleteSaveDirs(filename string) {
	if filename == "" || filename != filepath.Base(filename) {
		return
	}
	matches, err := filepath.Glob(filepath.Join(s.savesDir, filename+"*"))
	if err != nil {
		return
	}
	for _, path := range matches {
		log.Debug().Str("path", path).Msg("Deleting")
		_ = os.RemoveAll(path)
	}
}

// newestSave returns the newest non-undo snapshot for a game, or nil.
func (s *SnapshotService) newestSave(gameID int) (*models.SaveInfo, error) {
	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if !info.IsUndo && info.GameInfo.GameID == gameID {
			return info, nil
		}
	}
	return nil, nil
}

// directoryTimestamp returns the newest modification time in ms among the
// manifest-listed files present under dir, or 0 when none exist.
func directoryTimestamp(entries []string, dir string) int64 {
	var max int64
	for _, entry := range entries {
		if fi, err := os.Stat(filepath.Join(dir, entry)); err == nil {
			if ms := fi.ModTime().UnixMilli(); ms > max {
				max = ms
			}
		}
	}
	return max
}

// manifestTimestamp returns the newest modification time across all resolved
// save roots of a game.
func (s *SnapshotService) manifestTimestamp(entries []string, game *models.GameInfo) int64 {
	var max int64
	for root := range game.SaveGamesRoots {
		if ts := directoryTimestamp(entries, root); ts > max {
			max = ts
		}
	}
	return max
}

// cull keeps the single newest undo snapshot and the newest maxSaves regular
// snapshots, deleting the rest. Always physical, even for dry runs: a test
// store must not grow without bound either.
func (s *SnapshotService) cull() {
	infos, err := s.List()
	if err != nil {
		log.Error().Err(err).Msg("Cull failed to list snapshots")
		return
	}

	var undos, saves []*models.SaveInfo
	for _, info := range infos {
		if info.IsUndo {
			undos = append(undos, info)
		} else {
			saves = append(saves, info)
		}
	}

	deleteOldest := func(infos []*models.SaveInfo, keep int) {
		for len(infos) > keep {
			victim := infos[len(infos)-1]
			infos = infos[:len(infos)-1]
			log.Info().Str("filename", victim.Filename).Msg("Culling snapshot")
			s.deleteSaveDirs(victim.Filename)
			s.logEvent("cull", "info", fmt.Sprintf("Snapshot '%s' culled by retention.", victim.Filename), victim.GameInfo.GameID)
		}
	}
	deleteOldest(undos, 1)
	deleteOldest(saves, s.maxSaves)
}

// logEvent records an engine operation, best effort.
func (s *SnapshotService) logEvent(eventType, level, message string, gameID int) {
	if s.events == nil {
		return
	}
	if err := s.events.CreateEvent(eventType, level, message, &gameID); err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("Failed to record event")
	}
}
