package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/decentid/identity-bridge/pkg/attestation"
	"github.com/decentid/identity-bridge/pkg/badge"
	"github.com/decentid/identity-bridge/pkg/config"
	"github.com/decentid/identity-bridge/pkg/events"
	"github.com/decentid/identity-bridge/pkg/gateway"
	"github.com/decentid/identity-bridge/pkg/heartbeat"
	"github.com/decentid/identity-bridge/pkg/registry"
	"github.com/decentid/identity-bridge/pkg/signature"
	"github.com/decentid/identity-bridge/pkg/store"
	"github.com/decentid/identity-bridge/pkg/succession"
	"github.com/decentid/identity-bridge/pkg/verification"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("starting bridge server",
		"config", configPath,
		"dbType", cfg.Database.Type,
		"listen", cfg.Gateway.ListenAddress)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := store.Open(cfg.DBConfig())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	signer, err := loadSigner(cfg.Signing.KeyPath, logger)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	verifStore := verification.NewStore(db)
	reg := registry.New(db)
	badges := badge.NewIssuer(db, reg, signer)
	tokens := attestation.NewTokenStore(db)
	trail := events.NewTrail(db)
	plans := succession.NewPlanStore(db)

	// Every event is durably recorded and logged; the watchdog additionally
	// feeds the succession orchestrator through a bounded channel.
	inactivityFeed := events.NewChannelSink(cfg.Succession.EventBuffer, logger)
	coreSink := events.MultiSink{
		events.NewTrailSink(trail, logger),
		&events.SlogSink{Logger: logger},
	}
	watchdogSink := append(events.MultiSink{}, coreSink...)
	if cfg.Succession.Enabled {
		watchdogSink = append(watchdogSink, inactivityFeed)
	}
	ledger := heartbeat.NewLedger(db, watchdogSink, logger)

	locker := store.NewMigrationLocker(db, store.WithLockLogger(logger))
	if err := locker.WithLock(ctx, func() error {
		return migrateAll(verifStore, reg, badges, tokens, trail, plans, ledger)
	}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	providers := verification.NewRegistry()
	if err := providers.Register(&verification.MockProvider{}); err != nil {
		return err
	}
	if err := providers.Register(&verification.CallbackProvider{}); err != nil {
		return err
	}
	verifSvc := verification.NewService(verifStore, providers, cfg.Verification.Timeout(), logger)

	manager, err := attestation.NewManager(verifSvc, reg, badges, tokens, signer, coreSink, cfg.Token.Validity(), logger)
	if err != nil {
		return fmt.Errorf("build attestation manager: %w", err)
	}

	gatewayOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithAllowedOrigins(cfg.Gateway.AllowedOrigins),
	}
	if cfg.Gateway.OperatorKeyPath != "" {
		key, err := loadOperatorKey(cfg.Gateway.OperatorKeyPath)
		if err != nil {
			return fmt.Errorf("load operator key: %w", err)
		}
		gatewayOpts = append(gatewayOpts, gateway.WithOperatorKey(key))
		logger.Info("operator bearer auth enabled", "keyPath", cfg.Gateway.OperatorKeyPath)
	} else {
		logger.Info("operator auth in trusted-proxy mode")
	}
	gw := gateway.New(manager, ledger, plans, trail, gatewayOpts...)

	if cfg.Watchdog.Enabled {
		runner := heartbeat.NewRunner(ledger, cfg.Watchdog.Interval(), logger)
		go func() { _ = runner.Run(ctx) }()
	}

	if cfg.Succession.Enabled {
		orch := succession.NewOrchestrator(plans, reg, badges, manager, coreSink, succession.Options{
			RevokePredecessor: cfg.Succession.RevokePredecessor,
			RetirePredecessor: cfg.Succession.RetirePredecessor,
		}, logger)
		go func() { _ = orch.Run(ctx, inactivityFeed.Events()) }()
	}

	retention := events.NewRetentionWorker(trail, cfg.Events.RetentionDays, logger)
	go retention.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.Gateway.ListenAddress,
		Handler: gw.Router(),
	}
	go func() {
		logger.Info("bridge server ready", "listen", cfg.Gateway.ListenAddress, "providers", providers.Names())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("bridge server stopped")
	return nil
}

type migrator interface {
	AutoMigrate() error
}

func migrateAll(migrators ...migrator) error {
	for _, m := range migrators {
		if err := m.AutoMigrate(); err != nil {
			return err
		}
	}
	return nil
}

// loadSigner loads the ed25519 keypair from disk, or generates an
// ephemeral one when no path is configured. Ephemeral keys invalidate all
// outstanding tokens on restart; fine for development, logged loudly.
func loadSigner(path string, logger *slog.Logger) (*signature.Service, error) {
	if path == "" {
		logger.Warn("no signing key configured, generating ephemeral keypair")
		return signature.Generate()
	}
	return signature.LoadFromFile(path)
}

// loadOperatorKey reads the ed25519 public key used to verify operator
// bearer tokens. A PKIX public-key PEM is enough; the signing key stays
// with whoever mints operator tokens.
func loadOperatorKey(path string) (ed25519.PublicKey, error) {
	return signature.LoadPublicKeyFromFile(path)
}
