/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the budget engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment), then apply flags
  2. Initialize structured logging
  3. Open SQLite store, pricing resolver and planner service
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DATABASE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/budget.db"

  # Run with in-memory database and a demo scenario via the API
  ./server -db=":memory:"

ENVIRONMENT:
  See config/config.go for every key.

SEE ALSO:
  - api/server.go: Router configuration
  - app/app.go: Engine wiring
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/budget-engine/api"
	"github.com/warp/budget-engine/app"
	"github.com/warp/budget-engine/config"
	"github.com/warp/budget-engine/logger"
	"golang.org/x/time/rate"
)

func main() {
	cfg := config.Load()

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.DatabasePath = *dbPath

	log := logger.Init(cfg.LogLevel)

	engine, err := app.Open(cfg, log)
	if err != nil {
		log.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	handler := api.NewHandler(engine.Service, engine.Store)
	handler.MaxUploadBytes = cfg.MaxUploadSizeBytes
	if cfg.DocumentRateLimit > 0 {
		handler.Limiter = rate.NewLimiter(rate.Limit(cfg.DocumentRateLimit), cfg.DocumentRateBurst)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", "addr", "http://localhost:"+cfg.Port, "database", cfg.DatabasePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
