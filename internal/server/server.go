package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/posledger/posledger/internal/domain"
	"github.com/posledger/posledger/internal/server/handler"
	"github.com/posledger/posledger/internal/server/middleware"
	"github.com/posledger/posledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, API authentication is disabled

	// Webhook rate limiting. Zero limit disables it.
	WebhookRateLimit  int
	WebhookRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Webhook   *handler.WebhookHandler
	Positions *handler.PositionHandler
	Events    *handler.EventHandler
	Audit     *handler.AuditHandler
	Archive   *handler.ArchiveHandler
	Status    *handler.StatusHandler
	Health    *handler.HealthHandler
}

// Server is the HTTP + WebSocket API server for the position ledger.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// The webhook and health endpoints sit outside API-key auth: the webhook is
// guarded by its own passphrase, and probes must work without credentials.
// Everything under /api/ requires the key when one is configured.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Webhook ingestion. Passphrase-checked in the handler, rate-limited here.
	var webhook http.Handler = http.HandlerFunc(handlers.Webhook.Receive)
	if limiter != nil && cfg.WebhookRateLimit > 0 {
		window := cfg.WebhookRateWindow
		if window <= 0 {
			window = time.Minute
		}
		webhook = middleware.RateLimit(limiter, cfg.WebhookRateLimit, window)(webhook)
	}
	mux.Handle("POST /webhook", webhook)

	// Health probes (no auth required).
	mux.HandleFunc("GET /healthz", handlers.Health.Liveness)
	mux.HandleFunc("GET /readyz", handlers.Health.Readiness)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/open", handlers.Positions.ListOpen)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)

	// Event journal.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)

	// Audit trail.
	mux.HandleFunc("GET /api/audit", handlers.Audit.ListEntries)

	// Archive listing.
	mux.HandleFunc("GET /api/archive", handlers.Archive.ListArchives)

	// Runtime status.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain. Auth only covers /api/ so the webhook,
	// probes, and WebSocket upgrade stay reachable without the key.
	authed := middleware.Auth(cfg.APIKey)(mux)
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			authed.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
