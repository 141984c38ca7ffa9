package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)
	sessions := session.NewRegistry(cfg.SessionAttachTTL)

	connector := relay.NewWSConnector(relay.WSConnectorConfig{
		URL:                cfg.BackendURL(),
		InsecureSkipVerify: cfg.BackendInsecureSkipVerify,
		HandshakeTimeout:   cfg.BackendDialTimeout,
		WriteTimeout:       cfg.RelayWriteTimeout,
		QueueSize:          cfg.RelayQueueSize,
	})
	dispatcher := relay.NewDispatcher(sessions, connector, relay.Options{
		DefaultVoice:     cfg.DefaultVoice,
		DefaultPersona:   cfg.DefaultPersona,
		TelephonyVoice:   cfg.TelephonyVoice,
		TelephonyPersona: cfg.TelephonyPersona,
		QueueSize:        cfg.RelayQueueSize,
		WriteTimeout:     cfg.RelayWriteTimeout,
	}, metrics, logger)

	dialer := telephony.NewDialer(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioPhoneNumber,
		PublicURL:  cfg.PublicURL,
	})

	ctx := observability.WithFields(context.Background(),
		observability.Field{Key: "bind_addr", Value: cfg.BindAddr},
		observability.Field{Key: "backend_url", Value: cfg.BackendURL()},
	)
	if !dialer.Configured() {
		logger.Warn(ctx, "twilio credentials not configured; outbound calls disabled")
	}

	api := httpapi.New(cfg, sessions, dispatcher, dialer, metrics, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		logger.Info(ctx, "server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "listen error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info(ctx, "shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "graceful shutdown failed", err)
		_ = httpServer.Close()
	}
	// Upgraded connections are not tracked by Shutdown.
	n := dispatcher.TerminateAll()
	logger.Info(observability.WithFields(ctx, observability.Field{Key: "terminated_sessions", Value: n}), "shutdown complete")
}
