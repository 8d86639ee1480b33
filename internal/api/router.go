package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/I3eyonder/decky-save-game-savior/internal/api/handlers"
	"github.com/I3eyonder/decky-save-game-savior/internal/services"
	"github.com/I3eyonder/decky-save-game-savior/internal/websocket"
)

// NewRouter creates and configures a new Chi router.
func NewRouter(hub *websocket.Hub, gameService services.GameServiceProvider, snapshotService services.SnapshotServiceProvider, eventService services.EventServiceProvider) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS configuration for the launcher front-end
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Initialize handlers
	gameHandler := handlers.NewGameHandler(gameService, snapshotService)
	snapshotHandler := handlers.NewSnapshotHandler(gameService, snapshotService)
	eventHandler := handlers.NewEventHandler(eventService)
	statsHandler := handlers.NewStatsHandler(snapshotService)
	wsHandler := handlers.NewWebSocketHandler(hub)

	// API versioning
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket event push for the front-end
		r.Get("/ws", wsHandler.Serve)

		r.Route("/games", func(r chi.Router) {
			r.Get("/", gameHandler.GetAll)
			r.Get("/supported", gameHandler.GetSupported)
			r.Post("/mounted", gameHandler.FindMounted)
			r.Post("/rescan", gameHandler.Rescan)
			r.Post("/{id}/backup", snapshotHandler.Backup)
		})

		r.Route("/saves", func(r chi.Router) {
			r.Get("/", snapshotHandler.GetAll)
			r.Post("/reuse", snapshotHandler.Reuse)
			r.Get("/last-used", snapshotHandler.GetLastUsed)
			r.Delete("/last-used", snapshotHandler.ClearLastUsed)
			r.Route("/{filename}", func(r chi.Router) {
				r.Post("/restore", snapshotHandler.Restore)
				r.Delete("/", snapshotHandler.Delete)
			})
		})

		r.Get("/events", eventHandler.GetRecent)
		r.Get("/stats", statsHandler.Get)
	})

	return r
}
