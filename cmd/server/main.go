package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Wyydra/huddle/internal/adapter/driven/gateway/ws"
	repo "github.com/Wyydra/huddle/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/huddle/internal/adapter/driven/provision"
	handler "github.com/Wyydra/huddle/internal/adapter/driving/http"
	"github.com/Wyydra/huddle/internal/config"
	"github.com/Wyydra/huddle/internal/core/port"
	"github.com/Wyydra/huddle/internal/core/service"
	"github.com/Wyydra/huddle/internal/guard"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		l.Fatal().Err(err).Msg("Invalid configuration")
	}
	l := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	gcfg, err := cfg.GuardConfig()
	if err != nil {
		l.Fatal().Err(err).Msg("Invalid guard configuration")
	}
	clock := port.SystemClock{}
	g, err := guard.New(gcfg, clock, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to build connection guard")
	}

	rooms := repo.NewRoomRepository()
	registry := service.NewRegistry(rooms, clock, service.RegistryConfig{
		JoinRequestTTL: cfg.JoinRequestTTL,
		AdmissionTTL:   cfg.AdmissionTTL,
	})
	relay := service.NewRelay(registry, clock, l)
	dispatcher := service.NewDispatcher(registry, relay, l)

	hub := ws.NewHub(dispatcher, ws.Options{
		SweepInterval: cfg.SweepInterval,
		Sweepers:      []ws.Sweeper{g},
		Limiter:       g,
		Clock:         clock,
		Logger:        l,
	})

	var provisioner port.RoomProvisioner
	if cfg.ProvisionerURL != "" {
		provisioner = provision.NewClient(cfg.ProvisionerURL, cfg.ProvisionerAPIKey, cfg.ProvisionerTimeout)
	}

	if len(cfg.AllowedOrigins) == 0 {
		l.Warn().Msg("ALLOWED_ORIGINS is empty, accepting websocket handshakes from any origin")
	}
	if cfg.DevBypassToken != "" {
		l.Warn().Msg("Development bypass token is enabled")
	}

	h := handler.NewHandler(hub, g, provisioner, handler.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		TrustProxy:     cfg.TrustProxy,
		Clock:          clock,
		Logger:         l,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Str("env", cfg.Env).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	// Hijacked websocket connections are not tracked by Shutdown, so stop
	// the hub first to close them.
	hub.Stop()
	<-hub.Done()

	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer scancel()

	if err := srv.Shutdown(sctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	l.Info().Msg("Server exited")
}
