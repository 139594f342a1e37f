package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab.com/secp/services/cryptochat/cmd/chat-service/internal/config"
	"gitlab.com/secp/services/cryptochat/cmd/chat-service/internal/handlers"
	"gitlab.com/secp/services/cryptochat/internal/attachments"
	"gitlab.com/secp/services/cryptochat/internal/auth"
	"gitlab.com/secp/services/cryptochat/internal/db"
	"gitlab.com/secp/services/cryptochat/internal/gateway"
	"gitlab.com/secp/services/cryptochat/internal/notify"
	"gitlab.com/secp/services/cryptochat/internal/ratelimit"
	"gitlab.com/secp/services/cryptochat/internal/session"
	"gitlab.com/secp/services/cryptochat/internal/storage"
	"gitlab.com/secp/services/cryptochat/internal/trust"
)

func main() {
	log.Println("[Server] Starting chat service...")

	cfg := config.LoadConfig()

	database, err := db.New(cfg.DatabaseURL, cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("[Server] Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations(cfg.MigrationsPath); err != nil {
		log.Fatalf("[Server] Failed to run migrations: %v", err)
	}

	store := storage.NewPostgres(database.Postgres)
	authService := auth.NewService(store, database.Redis)
	trustEngine := trust.NewEngine(cfg.CACertPath)
	rateLimiter := ratelimit.NewLimiter(database.Redis)

	notifier := notify.NewService(database.Redis, notify.Config{
		TwilioAccountSID: cfg.TwilioAccountSID,
		TwilioAuthToken:  cfg.TwilioAuthToken,
		TwilioFromNumber: cfg.TwilioFromNumber,
	})

	var attachmentService *attachments.Service
	if cfg.S3Endpoint != "" {
		attachmentService, err = attachments.NewService(attachments.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Printf("[WARN] Failed to initialize attachment storage: %v (attachments disabled)", err)
			attachmentService = nil
		}
	} else {
		log.Println("[Server] S3 endpoint not configured, attachments disabled")
	}

	registry := session.NewRegistry()
	gw := gateway.New(registry, store, trustEngine, rateLimiter, notifier)

	server := handlers.NewServer(database, store, authService, trustEngine, gw, attachmentService, rateLimiter)
	router := server.SetupRouter()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("[Server] Server forced to shutdown: %v", err)
	}

	log.Println("[Server] Server exited gracefully")
}
