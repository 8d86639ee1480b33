package services

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/models"
	"github.com/I3eyonder/decky-save-game-savior/internal/steam"
)

// GameServiceProvider defines the interface for game enumeration services.
type GameServiceProvider interface {
	AllGames() ([]*models.GameInfo, error)
	GameByID(id int) (*models.GameInfo, bool)
	InvalidateCache()
	FindMounted(dirs []string) []string
}

// GameService enumerates installed titles across all library volumes and
// caches the result for the session. The cached records are shared pointers:
// the resolver memoizes save roots on them, so repeated backups of a title
// skip rediscovery.
type GameService struct {
	scanner *steam.Scanner

	mu     sync.Mutex
	games  []*models.GameInfo
	byID   map[int]*models.GameInfo
	loaded bool
}

// NewGameService creates a new GameService.
func NewGameService(scanner *steam.Scanner) *GameService {
	return &GameService{scanner: scanner}
}

// AllGames returns every installed title, scanning the library volumes on
// first call and serving the cache afterwards.
func (s *GameService) AllGames() ([]*models.GameInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	return s.games, nil
}

// GameByID returns the cached record for a title id.
func (s *GameService) GameByID(id int) (*models.GameInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, false
	}
	game, ok := s.byID[id]
	return game, ok
}

// InvalidateCache forces a fresh library scan on the next call.
func (s *GameService) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	s.games = nil
	s.byID = nil
}

func (s *GameService) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	games, byID, err := s.scanner.AllGames()
	if err != nil {
		return err
	}
	s.games, s.byID, s.loaded = games, byID, true
	log.Info().Int("games", len(games)).Msg("Enumerated installed games")
	return nil
}

// FindMounted filters a list of directories down to those currently present
// on disk. One bad path never aborts the batch.
func (s *GameService) FindMounted(dirs []string) []string {
	var mounted []string
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err == nil {
			mounted = append(mounted, dir)
		} else if !os.IsNotExist(err) {
			log.Error().Err(err).Str("dir", dir).Msg("Error checking mount, excluding")
		}
	}
	return mounted
}
