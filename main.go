package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/I3eyonder/decky-save-game-savior/internal/api"
	"github.com/I3eyonder/decky-save-game-savior/internal/config"
	"github.com/I3eyonder/decky-save-game-savior/internal/database"
	"github.com/I3eyonder/decky-save-game-savior/internal/logger"
	"github.com/I3eyonder/decky-save-game-savior/internal/monitoring"
	"github.com/I3eyonder/decky-save-game-savior/internal/services"
	"github.com/I3eyonder/decky-save-game-savior/internal/steam"
	"github.com/I3eyonder/decky-save-game-savior/internal/websocket"
)

func main() {
	logger.Init()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Ensure the base directory for app data exists
	if err := os.MkdirAll(cfg.AppDataDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create app data directory")
	}

	// Set up database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	// Set up the Steam scanner; account ids come from config or from the
	// userdata directory
	scanner := steam.NewScanner(cfg.SteamRoot)
	if len(cfg.AccountIDs) > 0 {
		for _, id := range cfg.AccountIDs {
			scanner.AddAccountID(id)
		}
	} else if _, err := scanner.AutoDetectAccounts(); err != nil {
		log.Warn().Err(err).Msg("Could not auto-detect steam accounts; set STEAM_ACCOUNT_IDS")
	}
	log.Info().Ints("account_ids", scanner.AccountIDs()).Str("steam_root", cfg.SteamRoot).Msg("Save game savior engine created")

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()

	// Set up services
	eventService := services.NewEventService(db, hub)
	gameService := services.NewGameService(scanner)
	snapshotService, err := services.NewSnapshotService(scanner, eventService, cfg.AppDataDir, cfg.MaxSaves, cfg.IgnoreUnchanged)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize snapshot store")
	}

	// Set up and run the background backup scheduler
	scheduler := monitoring.NewScheduler(cfg.BackupSchedule, gameService, snapshotService, eventService)
	go scheduler.Run()

	// Set up and run the snapshot store monitor
	storeMonitor := monitoring.NewStoreMonitor(snapshotService.SavesDir(), cfg.StoreUsageLimit, eventService)
	go storeMonitor.Run()

	// Set up router
	router := api.NewRouter(hub, gameService, snapshotService, eventService)

	// Set up server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.ServerPort).Msg("Server starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ListenAndServe()")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	storeMonitor.Stop()
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}
