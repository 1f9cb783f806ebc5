package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomrelay/relay/api"
	"github.com/roomrelay/relay/internal/config"
	"github.com/roomrelay/relay/internal/logger"
	"github.com/roomrelay/relay/internal/mailbox"
	"github.com/roomrelay/relay/internal/ws"
)

const (
	startupTimeout  = 15 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(true, "info")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.IsDevelopment(), cfg.LogLevel)

	// Open the shared mailbox
	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	mb, err := openMailbox(startCtx, cfg.Mailbox, log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Mailbox.Driver).Msg("failed to open mailbox")
	}
	log.Info().Str("driver", cfg.Mailbox.Driver).Msg("mailbox opened")

	// Initialize the relay
	svc := ws.NewService(mb, ws.Options{
		MessageTTL:      cfg.Relay.MessageTTL,
		MarkerTTL:       cfg.Relay.MarkerTTL,
		Lookback:        cfg.Relay.Lookback,
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		Echo:            cfg.Relay.Echo,
	}, log)
	if cfg.Relay.Echo {
		log.Warn().Msg("echo mode: frames are returned to their sender and never relayed")
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     api.NewRouter(log, mb, svc),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting relay server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	shutdown(srv, svc, mb, log)
	log.Info().Msg("server stopped")
}

// shutdown stops accepting requests, then closes every session, then the
// mailbox the sessions were using.
func shutdown(srv *http.Server, svc *ws.Service, mb mailbox.Mailbox, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Error().Msg("sessions did not stop in time")
	}

	if err := mb.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close mailbox")
	}
}
