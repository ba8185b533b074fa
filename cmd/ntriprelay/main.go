package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/ntrip_relay/internal/api"
	"github.com/friendsincode/ntrip_relay/internal/caster"
	"github.com/friendsincode/ntrip_relay/internal/config"
	"github.com/friendsincode/ntrip_relay/internal/db"
	"github.com/friendsincode/ntrip_relay/internal/events"
	"github.com/friendsincode/ntrip_relay/internal/logging"
	"github.com/friendsincode/ntrip_relay/internal/relay"
	"github.com/friendsincode/ntrip_relay/internal/repository"
	"github.com/friendsincode/ntrip_relay/internal/telemetry"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ntriprelay",
	Short: "NTRIP Relay - GNSS correction stream relay caster",
	Long:  "NTRIP Relay pulls RTCM correction streams from upstream NTRIP casters and re-serves them, by mountpoint, to authenticated rovers.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay caster and admin API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and seed the default admin account",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	conn, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(conn)

	if err := db.Migrate(conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := db.SeedAdmin(conn, logger); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	logger.Info().Msg("migration complete")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Msg("NTRIP Relay starting")

	conn, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(conn)

	if err := db.Migrate(conn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	repo := repository.NewGorm(conn)
	bus := events.NewBus()
	go tapEvents(bus, logger)

	cs := caster.NewServer(caster.Config{
		Host:     cfg.CasterHost,
		Port:     cfg.CasterPort,
		Operator: cfg.CasterOperator,
		Country:  cfg.CasterCountry,
	}, repo, bus, logger)

	supervisor := relay.NewSupervisor(relay.Config{
		DataTimeout:          cfg.DataTimeout,
		KeepaliveInterval:    cfg.KeepaliveInterval,
		KeepaliveAltitude:    cfg.KeepaliveAltitude,
		ProbeTimeout:         cfg.ProbeTimeout,
		ReadTimeout:          cfg.ReadTimeout,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, repo, cs, bus, logger)

	// Bind failure of the caster listener is the one fatal startup error.
	if err := cs.Start(); err != nil {
		return fmt.Errorf("start caster: %w", err)
	}

	// Converge onto the persisted active set.
	ctx := context.Background()
	if err := supervisor.SyncWithRepository(ctx); err != nil {
		logger.Error().Err(err).Msg("initial reconciliation failed")
	}

	adminAPI := api.New(supervisor, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           adminAPI.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("admin API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("admin API server error")
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.MetricsBind,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsBind).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("admin API shutdown failed")
	}
	if err := metricsServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("metrics shutdown failed")
	}

	supervisor.Shutdown(timeoutCtx)

	logger.Info().Msg("NTRIP Relay stopped")
	return nil
}

// tapEvents logs every bus event with its payload.
func tapEvents(bus *events.Bus, logger zerolog.Logger) {
	tap := logger.With().Str("component", "events").Logger()
	for _, eventType := range events.All() {
		go func(eventType events.EventType, sub events.Subscriber) {
			for payload := range sub {
				tap.Info().Str("event", string(eventType)).Fields(map[string]any(payload)).Msg("event")
			}
		}(eventType, bus.Subscribe(eventType))
	}
}
