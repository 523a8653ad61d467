package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"foliotrack/internal/config"
	"foliotrack/internal/connmgr"
	apphttp "foliotrack/internal/http"
	"foliotrack/internal/ibkr"
	"foliotrack/internal/integrations/telegram"
	"foliotrack/internal/integrations/webhook"
	"foliotrack/internal/logging"
	storepkg "foliotrack/internal/store"
	"foliotrack/internal/store/memory"
	"foliotrack/internal/store/postgres"
	syncpkg "foliotrack/internal/sync"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	var st storepkg.Store
	if cfg.StoreMode == "postgres" && cfg.DatabaseURL != "" {
		pgStore, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("postgres store unavailable, falling back to memory store")
			st = memory.NewStore()
		} else {
			st = pgStore
		}
	} else {
		st = memory.NewStore()
	}

	// The sim dialer stands in for a live IB gateway until one is configured.
	dialer := ibkr.NewSimDialer()
	if cfg.GatewayMode != "sim" {
		log.Warn().Str("gateway_mode", cfg.GatewayMode).Msg("unknown gateway mode, using simulator")
	}

	conns := connmgr.New(dialer, cfg.ConnectTimeout, cfg.IBKRDefaultHost, cfg.IBKRDefaultPort, log.Logger)
	syncer := syncpkg.NewSyncer(st, conns, cfg.SyncReadTimeout, cfg.SyncCycleTimeout, log.Logger)

	publisher := webhook.NewPublisher(cfg.OutcomeWebhookURL, cfg.WebhookTimeout)
	notifier := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	sched := syncpkg.NewScheduler(syncer, cfg.SyncMaxConcurrent, cfg.SyncMinInterval, publisher, notifier, log.Logger)

	srv := apphttp.NewServer(cfg, st, conns, sched, log.Logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("foliotrack API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Stop accepting requests, drain in-flight syncs, then close gateway sessions.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
	sched.Shutdown(ctx)
	conns.ReleaseAll()
}
