package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/ai"
	"taskboard/api/internal/app"
	"taskboard/api/internal/config"
	"taskboard/api/internal/email"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.WithError(err).Fatal("migrations failed")
	}
	dataStore := store.NewPostgresStore(db)

	deps := app.Deps{Store: dataStore, Logger: logger}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		rc, err := realtime.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, realtime disabled")
		} else {
			defer rc.Close()
			manager := realtime.NewManager(rc, realtime.NewRedisDeduper(rc, cfg.DedupeTTL), logger)
			defer manager.Close()
			deps.Realtime = manager
			deps.Presence = realtime.NewPresence(rc, cfg.PresenceTTL, manager)
		}
	} else {
		logger.Warn("REDIS_URL not set, realtime disabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, pgfts, logger)
	} else {
		searchService = search.NewService(nil, pgfts, logger)
	}
	deps.Search = searchService
	go func() {
		// Give Meilisearch time to come up before the first bulk index.
		time.Sleep(2 * time.Second)
		searchService.ReindexAll(context.Background(), pgfts)
	}()

	generator := ai.NewClient(cfg.AIEndpoint, cfg.AIAPIKey, cfg.AITimeout, logger)
	if !generator.Enabled() {
		logger.Info("AI_ENDPOINT not set, content generation disabled")
	}
	deps.AI = generator

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Info("SMTP not configured, invites return a link instead")
	}
	deps.Email = mailer

	service := app.New(cfg, deps)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	// No write timeout: event streams stay open.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("Taskboard API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	searchService.Wait()
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
