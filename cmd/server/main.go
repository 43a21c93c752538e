package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/background"
	"github.com/openclaw/openclaw-cloud/internal/cluster"
	"github.com/openclaw/openclaw-cloud/internal/config"
	"github.com/openclaw/openclaw-cloud/internal/gateway"
	"github.com/openclaw/openclaw-cloud/internal/hub"
	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/storage/object"
	"github.com/openclaw/openclaw-cloud/internal/storage/pg"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()
	store := pg.NewStore(db, log)

	authCtx := auth.NewAuthContext(cfg.JWTSecret, cfg.TokenTTL, cfg.ClockSkew, cfg.AllowedOrigins)

	media, err := object.NewStore(cfg.MediaDir, log)
	if err != nil {
		log.Error("failed to initialize media store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	signer := object.NewSigner(cfg.JWTSecret)

	opts := hub.Options{
		MailboxSize:       cfg.HubMailboxSize,
		WriterQueueSize:   cfg.WriterQueueSize,
		ClientAuthTimeout: cfg.ClientAuthTimeout,
		PingInterval:      cfg.PingInterval,
		PongTimeout:       cfg.PongTimeout,
		StreamStallAfter:  cfg.StreamStallAfter,
	}
	hubs := hub.NewManager(store, authCtx, log, opts, cfg.HubQuiescence)

	// NATS is optional; without it the process runs single-node and the
	// relay stays nil.
	var nc *nats.Conn
	var relay *cluster.Relay
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Error("failed to connect to NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer nc.Close()

		relay = cluster.New(nc, hubs, log, logger.GetInstanceID())
		if err := relay.Start(); err != nil {
			log.Error("failed to start cluster relay", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	var sweeper *background.RetentionSweeper
	if cfg.RetentionEnabled {
		sweeper = background.NewRetentionSweeper(store, cfg.RetentionMaxAge, cfg.RetentionCron, log)
		if err := sweeper.Start(); err != nil {
			log.Error("failed to start retention sweeper", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	gw := gateway.New(store, hubs, authCtx, relay, media, signer, log,
		cfg.MediaSignedURLTTL.Milliseconds())

	router := gin.New()
	router.Use(gin.Recovery())
	gw.Routes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening",
			slog.String("port", cfg.Port),
			slog.String("instance_id", logger.GetInstanceID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	if relay != nil {
		relay.Stop()
	}
	hubs.Shutdown()

	log.Info("bye")
}
