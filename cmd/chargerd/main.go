package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bujie9527/dapp/internal/chain"
	"github.com/bujie9527/dapp/internal/charge"
	"github.com/bujie9527/dapp/internal/config"
	"github.com/bujie9527/dapp/internal/httpapi"
	"github.com/bujie9527/dapp/internal/settings"
	"github.com/bujie9527/dapp/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "chargerd",
		Short:        "Token allowance charge service",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and charge orchestrator",
		RunE:  runServe,
	}

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	serveCmd.Flags().String("rpc", "", "fallback RPC URL when the RPC_URL setting is unset")
	serveCmd.Flags().Uint64("chain-id", 8453, "chain id charges are signed for")
	serveCmd.Flags().String("admin-token", "", "bearer token required on admin routes (empty disables)")
	serveCmd.Flags().Duration("settings-ttl", 30*time.Second, "settings cache TTL")
	serveCmd.Flags().Int("max-retries", 3, "maximum preflight read retry attempts")
	serveCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial preflight retry backoff")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE:  runMigrate,
	}

	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PostgresDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}
	if cfg.ChargerPrivateKey == "" {
		return fmt.Errorf("charger private key is required (CHARGERD_CHARGER_PRIVATE_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	cache := settings.NewCache(store, cfg.SettingsTTL, nil)

	resolveRPC := func(ctx context.Context) (string, error) {
		value, _, err := cache.Get(ctx, settings.KeyRPCURL)
		if err != nil {
			return "", err
		}
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed, nil
		}
		if cfg.FallbackRPCURL != "" {
			return cfg.FallbackRPCURL, nil
		}
		return "", &settings.MissingError{Key: settings.KeyRPCURL}
	}

	chainClient, err := chain.NewClient(resolveRPC, cfg.ChainID, cfg.ChargerPrivateKey)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	service := charge.NewService(charge.Config{
		ChainID:      cfg.ChainID,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		ResolveRPC:   resolveRPC,
	}, cache, store, store, chainClient, logger)

	server := httpapi.NewServer(service, store, store, cfg.AdminToken, logger)

	logger.Info("chargerd start",
		zap.String("listen", cfg.Listen),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("sender", chainClient.Sender().Hex()),
		zap.Duration("settings_ttl", cfg.SettingsTTL),
		zap.Bool("admin_token", cfg.AdminToken != ""),
	)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	logger.Info("chargerd stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PostgresDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	logger.Info("schema applied")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
