package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dailyvault/internal/config"
	"dailyvault/internal/handler"
	"dailyvault/internal/middleware"
	"dailyvault/internal/repository"
	"dailyvault/internal/service"
	"dailyvault/internal/websocket"
	"dailyvault/pkg/logger"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level).WithField("service", "dailyvault-sync")

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to CouchDB")
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		log.WithError(err).Fatal("Failed to check database existence")
	}

	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			log.WithError(err).Fatal("Failed to create database")
		}
		log.WithField("database", cfg.Database.Name).Info("Created database")
	}

	if err := repository.EnsureIndexes(context.Background(), client, cfg.Database.Name); err != nil {
		log.WithError(err).Fatal("Failed to create indexes")
	}

	userRepo := repository.NewUserRepository(client, cfg.Database.Name)
	noteRepo := repository.NewNoteRepository(client, cfg.Database.Name)
	keyringRepo := repository.NewKeyringRepository(client, cfg.Database.Name)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		log,
	)
	go wsManager.Run(ctx)

	authService := service.NewAuthService(userRepo, cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.RefreshTokenExpiration, log)
	userService := service.NewUserService(userRepo)
	noteService := service.NewNoteSyncService(noteRepo, wsManager, log)
	keyringService := service.NewKeyringService(keyringRepo)

	wsManager.SetMessageHandler(handler.NewWebSocketMessageHandler(wsManager, noteService))

	handlers := &handler.Handlers{
		Auth:      handler.NewAuthHandler(authService, log),
		User:      handler.NewUserHandler(userService),
		Notes:     handler.NewNoteHandler(noteService),
		Keyring:   handler.NewKeyringHandler(keyringService),
		WebSocket: handler.NewWebSocketHandler(wsManager, authService, log),
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}
	r := handler.NewRouter(handlers, authService, cfg.CORS, limiter, log)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithFields(logger.Fields{
			"addr":    addr,
			"env":     cfg.Server.Env,
			"couchdb": fmt.Sprintf("%s:%s", cfg.Database.Host, cfg.Database.Port),
		}).Info("Starting sync server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("Server forced to shutdown")
	}
	stop()

	log.Info("Server stopped gracefully")
}
