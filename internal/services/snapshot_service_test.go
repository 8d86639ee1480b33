package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/I3eyonder/decky-save-game-savior/internal/models"
	"github.com/I3eyonder/decky-save-game-savior/internal/steam"
)

type fakeEvents struct {
	types []string
}

func (f *fakeEvents) CreateEvent(eventType, level, message string, gameID *int) error {
	f.types = append(f.types, eventType)
	return nil
}

func (f *fakeEvents) GetRecentEvents(limit int) ([]models.Event, error) {
	return nil, nil
}

// changeManifest renders a remotecache.vdf tracking the given files.
func changeManifest(gameID int, entries ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q\n{\n\t\"ChangeNumber\"\t\t\"1\"\n", fmt.Sprint(gameID))
	for _, e := range entries {
		fmt.Fprintf(&b, "\t%q\n\t{\n\t\t\"size\"\t\t\"1\"\n\t}\n", e)
	}
	b.WriteString("}\n")
	return b.String()
}

type fixture struct {
	svc       *SnapshotService
	events    *fakeEvents
	game      *models.GameInfo
	remoteDir string
}

// newFixture builds a steam tree with one game whose saves live in the
// per-account remote directory, tracked files f1.sav and sub/f2.sav.
func newFixture(t *testing.T, maxSaves int, ignoreUnchanged bool) *fixture {
	t.Helper()
	root := t.TempDir()

	scanner := steam.NewScanner(root)
	scanner.AddAccountID(111)

	gameDir := filepath.Join(root, "userdata", "111", "400")
	writeFile(t, filepath.Join(gameDir, "remotecache.vdf"), changeManifest(400, "f1.sav", "sub/f2.sav"))
	remote := filepath.Join(gameDir, "remote")
	writeSave(t, remote, "f1.sav", "one")
	writeSave(t, remote, "sub/f2.sav", "two")

	events := &fakeEvents{}
	svc, err := NewSnapshotService(scanner, events, t.TempDir(), maxSaves, ignoreUnchanged)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		svc:       svc,
		events:    events,
		game:      &models.GameInfo{InstallRoot: root, GameID: 400, GameName: "Test Game"},
		remoteDir: remote,
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// writeSave writes a live save file with a modification time in the past so
// a fresh snapshot is always newer than the files it copied.
func writeSave(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	writeFile(t, path, content)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatal(err)
	}
}

// touchSave rewrites a live save file with a modification time in the
// future relative to any existing snapshot.
func touchSave(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	writeFile(t, path, content)
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestBackupCreatesSnapshot(t *testing.T) {
	fx := newFixture(t, 50, true)

	save, err := fx.svc.Backup(fx.game, BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if save == nil || !strings.HasPrefix(save.Filename, "save_400_") {
		t.Fatalf("unexpected save info: %+v", save)
	}

	payload := filepath.Join(fx.svc.SavesDir(), save.Filename)
	if got := readFile(t, filepath.Join(payload, "f1.sav")); got != "one" {
		t.Errorf("payload f1.sav = %q, want %q", got, "one")
	}
	if got := readFile(t, filepath.Join(payload, "sub", "f2.sav")); got != "two" {
		t.Errorf("payload sub/f2.sav = %q, want %q", got, "two")
	}

	// the sidecar must keep its wire shape
	var sidecar map[string]interface{}
	if err := json.Unmarshal([]byte(readFile(t, payload+".json")), &sidecar); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"game_info", "timestamp", "filename", "is_undo"} {
		if _, ok := sidecar[key]; !ok {
			t.Errorf("sidecar missing key %q", key)
		}
	}
	gameInfo := sidecar["game_info"].(map[string]interface{})
	for _, key := range []string{"install_root", "game_id", "game_name", "save_games_roots"} {
		if _, ok := gameInfo[key]; !ok {
			t.Errorf("sidecar game_info missing key %q", key)
		}
	}
}

func TestBackupIdempotentWhenUnchanged(t *testing.T) {
	fx := newFixture(t, 50, true)

	if _, err := fx.svc.Backup(fx.game, BackupOptions{}); err != nil {
		t.Fatal(err)
	}
	save, err := fx.svc.Backup(fx.game, BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if save != nil {
		t.Fatalf("second unchanged backup must be skipped, got %+v", save)
	}

	infos, err := fx.svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Errorf("want exactly 1 snapshot, got %d", len(infos))
	}
}

func TestBackupAfterChange(t *testing.T) {
	fx := newFixture(t, 50, true)

	if _, err := fx.svc.Backup(fx.game, BackupOptions{}); err != nil {
		t.Fatal(err)
	}
	touchSave(t, fx.remoteDir, "f1.sav", "one updated")

	save, err := fx.svc.Backup(fx.game, BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if save == nil {
		t.Fatal("changed files must produce a new snapshot")
	}
	infos, _ := fx.svc.List()
	if len(infos) != 2 {
		t.Errorf("want 2 snapshots, got %d", len(infos))
	}
}

func TestBackupDryRun(t *testing.T) {
	fx := newFixture(t, 50, true)

	save, err := fx.svc.Backup(fx.game, BackupOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if save == nil || save.Filename != "" {
		t.Fatalf("dry run must return the placeholder, got %+v", save)
	}

	entries, err := os.ReadDir(fx.svc.SavesDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dry run must not write anything, found %d entries", len(entries))
	}
}

func TestBackupUnsupported(t *testing.T) {
	root := t.TempDir()
	scanner := steam.NewScanner(root)
	scanner.AddAccountID(111)
	svc, err := NewSnapshotService(scanner, nil, t.TempDir(), 50, true)
	if err != nil {
		t.Fatal(err)
	}

	game := &models.GameInfo{InstallRoot: root, GameID: 400, GameName: "Test"}
	if _, err := svc.Backup(game, BackupOptions{}); !errors.Is(err, steam.ErrUnsupported) {
		t.Errorf("want ErrUnsupported, got %v", err)
	}
}

func TestBackupNotMountedAfterResolve(t *testing.T) {
	fx := newFixture(t, 50, true)

	if _, err := fx.svc.Backup(fx.game, BackupOptions{}); err != nil {
		t.Fatal(err)
	}
	// simulate the storage holding the saves going away
	if err := os.RemoveAll(fx.remoteDir); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.svc.Backup(fx.game, BackupOptions{}); !errors.Is(err, steam.ErrNotMounted) {
		t.Errorf("want ErrNotMounted, got %v", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	fx := newFixture(t, 50, false)

	save, err := fx.svc.Backup(fx.game, BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}

	touchSave(t, fx.remoteDir, "f1.sav", "ONE-NEW")
	touchSave(t, fx.remoteDir, "sub/f2.sav", "TWO-NEW")

	if err := fx.svc.Restore(save); err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, filepath.Join(fx.remoteDir, "f1.sav")); got != "one" {
		t.Errorf("restored f1.sav = %q, want %q", got, "one")
	}
	if got := readFile(t, filepath.Join(fx.remoteDir, "sub", "f2.sav")); got != "two" {
		t.Errorf("restored sub/f2.sav = %q, want %q", got, "two")
	}

	infos, err := fx.svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("want snapshot + undo, got %d", len(infos))
	}
	undo := infos[0]
	if !undo.IsUndo {
		t.Fatal("undo snapshot must be listed first")
	}
	// the undo preserves the state from just before the restore
	undoPayload := filepath.Join(fx.svc.SavesDir(), undo.Filename)
	if got := readFile(t, filepath.Join(undoPayload, "f1.sav")); got != "ONE-NEW" {
		t.Errorf("undo f1.sav = %q, want %q", got, "ONE-NEW")
	}

	if lastUsed := fx.svc.LastUsed(); lastUsed == nil || lastUsed.Filename != save.Filename {
		t.Errorf("restored snapshot must become last used, got %+v", lastUsed)
	}
}

func TestRestoreFromUndoMakesNoExtraUndo(t *testing.T) {
	fx := newFixture(t, 50, false)

	save, err := fx.svc.Backup(fx.game, BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.Restore(save); err != nil {
		t.Fatal(err)
	}

	infos, _ := fx.svc.List()
	undo := infos[0]
	if !undo.IsUndo {
		t.Fatal("expected an undo snapshot")
	}
	if err := fx.svc.Restore(undo); err != nil {
		t.Fatal(err)
	}

	count := 0
	infos, _ = fx.svc.List()
	for _, info := range infos {
		if info.IsUndo {
			count++
		}
	}
	if count != 1 {
		t.Errorf("restoring an undo must not create another undo, got %d", count)
	}
}

func TestRetentionKeepsNewestRegularSaves(t *testing.T) {
	fx := newFixture(t, 50, false)

	var created []string
	for i := 0; i < 55; i++ {
		save, err := fx.svc.Backup(fx.game, BackupOptions{})
		if err != nil {
			t.Fatal(err)
		}
		created = append(created, save.Filename)
	}

	infos, err := fx.svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 50 {
		t.Fatalf("want 50 snapshots after culling, got %d", len(infos))
	}

	// newest first, and exactly the 50 most recent
	var want []string
	for i := 54; i >= 5; i-- {
		want = append(want, created[i])
	}
	var got []string
	for _, info := range infos {
		got = append(got, info.Filename)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("retained snapshots mismatch (-want +got):\n%s", diff)
	}
}

func TestRetentionKeepsSingleNewestUndo(t *testing.T) {
	fx := newFixture(t, 50, false)

	save, err := fx.svc.Backup(fx.game, BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := fx.svc.Restore(save); err != nil {
			t.Fatal(err)
		}
	}

	infos, _ := fx.svc.List()
	var undos []*models.SaveInfo
	for _, info := range infos {
		if info.IsUndo {
			undos = append(undos, info)
		}
	}
	if len(undos) != 1 {
		t.Fatalf("want exactly 1 undo after 3 restores, got %d", len(undos))
	}
	// the survivor is the newest snapshot in the store
	for _, info := range infos {
		if info.Timestamp > undos[0].Timestamp {
			t.Errorf("undo %d is older than %s (%d)", undos[0].Timestamp, info.Filename, info.Timestamp)
		}
	}
}

func TestDeleteRemovesSidecarAndPayload(t *testing.T) {
	fx := newFixture(t, 50, true)

	save, err := fx.svc.Backup(fx.game, BackupOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.Delete(save); err != nil {
		t.Fatal(err)
	}

	payload := filepath.Join(fx.svc.SavesDir(), save.Filename)
	if _, err := os.Stat(payload); !os.IsNotExist(err) {
		t.Error("payload directory must be gone")
	}
	if _, err := os.Stat(payload + ".json"); !os.IsNotExist(err) {
		t.Error("sidecar must be gone")
	}

	infos, _ := fx.svc.List()
	if len(infos) != 0 {
		t.Errorf("deleted snapshot still listed: %+v", infos)
	}
}

func TestListSelfHealsCorruptSidecar(t *testing.T) {
	fx := newFixture(t, 50, true)

	if _, err := fx.svc.Backup(fx.game, BackupOptions{}); err != nil {
		t.Fatal(err)
	}
	corrupt := filepath.Join(fx.svc.SavesDir(), "save_400_1.json")
	writeFile(t, corrupt, "{ not json")

	infos, err := fx.svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Errorf("want 1 valid snapshot, got %d", len(infos))
	}
	if _, err := os.Stat(corrupt); !os.IsNotExist(err) {
		t.Error("corrupt sidecar must be deleted")
	}
}

func TestListUpgradesLegacySidecar(t *testing.T) {
	fx := newFixture(t, 50, true)

	legacy := `{"game_info": {"install_root": "/r", "game_id": 7, "game_name": "Old", "save_games_root": "/r/saves"}, "timestamp": 5, "filename": "save_7_5", "is_undo": false}`
	writeFile(t, filepath.Join(fx.svc.SavesDir(), "save_7_5.json"), legacy)

	infos, err := fx.svc.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("want 1 snapshot, got %d", len(infos))
	}
	want := map[string]string{"/r/saves": ""}
	if diff := cmp.Diff(want, infos[0].GameInfo.SaveGamesRoots); diff != "" {
		t.Errorf("legacy roots mismatch (-want +got):\n%s", diff)
	}
	if infos[0].GameInfo.LegacySaveRoot != "" {
		t.Error("legacy field must be cleared after upgrade")
	}
}

func TestReuse(t *testing.T) {
	fx := newFixture(t, 50, false)

	prev, err := fx.svc.Backup(fx.game, BackupOptions{MarkLastUsed: true})
	if err != nil {
		t.Fatal(err)
	}
	touchSave(t, fx.remoteDir, "f1.sav", "scribbled over")

	if err := fx.svc.Reuse(); err != nil {
		t.Fatal(err)
	}

	// the last save was replayed over the live files
	if got := readFile(t, filepath.Join(fx.remoteDir, "f1.sav")); got != "one" {
		t.Errorf("live f1.sav = %q, want %q", got, "one")
	}

	infos, _ := fx.svc.List()
	if len(infos) != 1 {
		t.Fatalf("want the replacement snapshot only, got %d", len(infos))
	}
	next := infos[0]
	if next.Filename == prev.Filename {
		t.Error("reuse must mint a new snapshot")
	}
	if lastUsed := fx.svc.LastUsed(); lastUsed == nil || lastUsed.Filename != next.Filename {
		t.Errorf("replacement must become last used, got %+v", lastUsed)
	}
}

func TestReuseWithoutLastUsed(t *testing.T) {
	fx := newFixture(t, 50, true)
	if err := fx.svc.Reuse(); err != nil {
		t.Errorf("reuse without last used must be a no-op, got %v", err)
	}
}

// The scheduler sweep and the HTTP handlers operate on the same shared game
// records, so support checks and backups must be safe to run concurrently.
// First-time save-root resolution mutates the record; run with -race.
func TestFindSupportedDuringBackup(t *testing.T) {
	fx := newFixture(t, 50, false)

	for i := 0; i < 20; i++ {
		game := &models.GameInfo{InstallRoot: fx.game.InstallRoot, GameID: 400, GameName: "Test Game"}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if supported := fx.svc.FindSupported([]*models.GameInfo{game}); len(supported) != 1 {
				t.Errorf("want game 400 supported, got %+v", supported)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := fx.svc.Backup(game, BackupOptions{}); err != nil {
				t.Errorf("concurrent backup failed: %v", err)
			}
		}()
		wg.Wait()
	}
}

func TestFindSupported(t *testing.T) {
	fx := newFixture(t, 50, true)

	unsupported := &models.GameInfo{InstallRoot: fx.game.InstallRoot, GameID: 999, GameName: "No Manifest"}
	supported := fx.svc.FindSupported([]*models.GameInfo{fx.game, unsupported})

	if len(supported) != 1 || supported[0].GameID != 400 {
		t.Errorf("want only game 400 supported, got %+v", supported)
	}
}

func TestClearLastUsed(t *testing.T) {
	fx := newFixture(t, 50, true)
	if _, err := fx.svc.Backup(fx.game, BackupOptions{MarkLastUsed: true}); err != nil {
		t.Fatal(err)
	}
	if fx.svc.LastUsed() == nil {
		t.Fatal("expected a last used snapshot")
	}
	fx.svc.ClearLastUsed()
	if fx.svc.LastUsed() != nil {
		t.Error("last used must be cleared")
	}
}
