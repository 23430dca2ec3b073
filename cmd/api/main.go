package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskforge/api/internal/app"
	"taskforge/api/internal/bus"
	"taskforge/api/internal/collab"
	"taskforge/api/internal/config"
	"taskforge/api/internal/githubapp"
	"taskforge/api/internal/search"
	"taskforge/api/internal/store"
	"taskforge/api/internal/webhook"
	"taskforge/api/internal/wiki"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.WikiReposDir, 0o755); err != nil {
		log.Fatalf("failed to create wiki repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	github, err := githubapp.New(cfg.GitHubAppID, cfg.GitHubPrivateKey, cfg.GitHubAPIBaseURL)
	if err != nil {
		log.Fatalf("github app credentials invalid: %v", err)
	}

	wikiService := wiki.New(cfg.WikiReposDir, cfg.GitTimeout)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	var eventBus *bus.Bus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for cross-instance event fan-out")
		backplane, err := bus.NewBackplane(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer backplane.Close()
		eventBus = bus.NewWithBackplane(backplane)
	} else {
		log.Printf("Running without Redis, event delivery is single-instance")
		eventBus = bus.New()
	}
	busCtx, stopBus := context.WithCancel(ctx)
	defer stopBus()
	eventBus.Start(busCtx)

	bridge := collab.New([]byte(cfg.CollabSecret), dataStore, eventBus, searchService)
	webhookHandler := webhook.New([]byte(cfg.GitHubWebhookSecret), dataStore, eventBus, searchService)

	service := app.NewService(dataStore, github, wikiService)
	httpServer := app.NewHTTPServer(service, eventBus, http.HandlerFunc(bridge.HandleWS), webhookHandler, searchService, cfg.CORSOrigin, cfg.DeploymentURL)

	// WriteTimeout stays unset: the bus and collab endpoints hold
	// connections open indefinitely.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Taskforge API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
