package monitoring

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/services"
)

// Scheduler runs automatic backups of every supported game on a cron
// schedule. Change detection in the snapshot engine makes an unchanged tick
// cheap: games with no modified save files are skipped.
type Scheduler struct {
	expression string
	gameSvc    services.GameServiceProvider
	snapshots  services.SnapshotServiceProvider
	eventSvc   services.EventServiceProvider
	ticker     *time.Ticker
	done       chan bool
}

// NewScheduler creates a new scheduler instance. An empty cron expression
// disables automatic backups.
func NewScheduler(expression string, gameSvc services.GameServiceProvider, snapshots services.SnapshotServiceProvider, eventSvc services.EventServiceProvider) *Scheduler {
	return &Scheduler{
		expression: expression,
		gameSvc:    gameSvc,
		snapshots:  snapshots,
		eventSvc:   eventSvc,
		// buffered so Stop never blocks when Run exited early
		done: make(chan bool, 1),
	}
}

// Run starts the scheduler's ticking loop.
func (s *Scheduler) Run() {
	if s.expression == "" {
		log.Info().Msg("Automatic backups disabled")
		return
	}
	schedule, err := cron.ParseStandard(s.expression)
	if err != nil {
		log.Error().Err(err).Str("expression", s.expression).Msg("Invalid backup schedule, automatic backups disabled")
		return
	}

	log.Info().Str("expression", s.expression).Msg("Starting background backup scheduler...")
	s.ticker = time.NewTicker(1 * time.Minute)
	defer s.ticker.Stop()

	next := schedule.Next(time.Now())
	for {
		select {
		case <-s.done:
			log.Info().Msg("Stopping background backup scheduler.")
			return
		case now := <-s.ticker.C:
			if now.After(next) {
				s.backupAll()
				next = schedule.Next(now)
			}
		}
	}
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.done <- true
}

// backupAll backs up every currently supported game, isolating per-game
// failures so one bad title never aborts the sweep.
func (s *Scheduler) backupAll() {
	games, err := s.gameSvc.AllGames()
	if err != nil {
		log.Error().Err(err).Msg("Scheduler: failed to enumerate games")
		return
	}

	supported := s.snapshots.FindSupported(games)
	log.Info().Int("games", len(supported)).Msg("Scheduler: running automatic backups")

	for _, game := range supported {
		if _, err := s.snapshots.Backup(game, services.BackupOptions{}); err != nil {
			log.Error().Err(err).Int("game_id", game.GameID).Msg("Scheduler: backup failed")
		}
	}
}
