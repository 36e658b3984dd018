// wabridge keeps one WhatsApp session alive and relays audio to a backend.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashureev/wabridge/internal/api"
	"github.com/ashureev/wabridge/internal/config"
	"github.com/ashureev/wabridge/internal/gateway"
	"github.com/ashureev/wabridge/internal/inbound"
	"github.com/ashureev/wabridge/internal/keystore"
	"github.com/ashureev/wabridge/internal/middleware"
	"github.com/ashureev/wabridge/internal/monitor"
	"github.com/ashureev/wabridge/internal/session"
	"github.com/ashureev/wabridge/internal/store"
	"github.com/ashureev/wabridge/internal/whatsapp"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	pflag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		slog.Error("Bridge stopped", "error", err, "terminal", errors.Is(err, session.ErrTerminal))
		os.Exit(1)
	}
	slog.Info("Bridge stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting bridge",
		"backend_url", cfg.BackendURL,
		"auth_dir", cfg.AuthDir,
		"max_reconnects", cfg.Reconnect.MaxAttempts,
		"reconnect_delay", cfg.Reconnect.Delay)

	db, err := store.OpenSQLite(ctx, cfg.DeviceDBPath())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close device store", "error", closeErr)
		}
	}()
	slog.Info("Device store opened", "path", cfg.DeviceDBPath())

	dialer, err := whatsapp.NewDialer(ctx, db, cfg.DeviceName, logger)
	if err != nil {
		return err
	}
	slog.Info("Device loaded", "paired", dialer.Paired())

	// Key retention.
	var keys keystore.Store
	switch cfg.KeyRetention.Backend {
	case config.KeyStoreDir:
		keys = keystore.NewDirStore(cfg.AuthDir)
	default:
		keys = keystore.NewSQLStore(db)
	}
	pruner := keystore.NewPruner(keys, cfg.KeyRetention.Keep, logger)
	keystore.StartWorker(ctx, pruner, cfg.KeyRetention.Interval)

	// Status reports run on the session loop and keep the reporter's short
	// default timeout; audio uploads get the configured webhook timeout.
	reporter := monitor.NewHTTPReporter(cfg.BackendURL, nil, logger)
	deliverer := inbound.NewWebhookDeliverer(cfg.BackendURL, &http.Client{Timeout: cfg.WebhookTimeout})

	mgr := session.NewManager(dialer, reporter, session.Options{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Delay:       cfg.Reconnect.Delay,
		Logger:      logger,
	})
	pipeline := inbound.NewPipeline(mgr, deliverer, reporter, logger)

	mgr.SetQRRenderer(whatsapp.NewTerminalQR(os.Stderr))
	mgr.SetMessageHandler(pipeline.Handle)
	mgr.SetCredentialsHook(func(ctx context.Context) {
		_, _ = pruner.Prune(ctx)
	})

	gw := gateway.New(mgr, logger)
	go func() {
		if err := gw.Serve(ctx, os.Stdin); err != nil {
			slog.Error("Control stream failed", "error", err)
		}
	}()

	var srv *http.Server
	if cfg.ControlEnabled() {
		srv = newControlServer(cfg, mgr, gw, logger)
		go func() {
			slog.Info("Control server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Control server failed", "error", err)
			}
		}()
	}

	runErr := mgr.Run(ctx)
	stop()

	slog.Info("Shutting down gracefully...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Control server forced to shutdown", "error", err)
		}
	}
	return runErr
}

func newControlServer(cfg *config.Config, mgr *session.Manager, gw *gateway.Gateway, logger *slog.Logger) *http.Server {
	sessionHandler := api.NewSessionHandler(api.NewHandler(logger), mgr, gw)
	wsHandler := gateway.NewWebSocketHandler(gw)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerToken(cfg.ControlToken))
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/control", wsHandler.ServeHTTP)
	})

	// WriteTimeout stays 0 so the control WebSocket is not cut off.
	return &http.Server{
		Addr:        cfg.ControlAddr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}
