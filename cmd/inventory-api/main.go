package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/config"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/database"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/idempotency"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inventory-api",
		Short: "Cartridge stock ledger service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an env file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for idempotency keys")
	cmd.PersistentFlags().String("reconcile-schedule", defaults.GetString("reconcile.schedule"), "Cron schedule for stock reconciliation (empty disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "idempotency.redis_address", "redis-address")
	bindFlag(cmd, "reconcile.schedule", "reconcile-schedule")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.Database, logging.Named(logger, "database"))
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	guard, closeGuard, err := newIdempotencyGuard(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeGuard()

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		IDProvider:  ledger.NewUUIDProvider(),
		Logger:      logging.Named(logger, "ledger"),
		Idempotency: guard,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	if appConfig.ReconcileSchedule != "" {
		scheduler, err := reconcile.NewScheduler(reconcile.Config{
			Schedule:          appConfig.ReconcileSchedule,
			LowStockThreshold: appConfig.LowStockThreshold,
		}, ledgerService, newNotifier(appConfig, logger), logging.Named(logger, "reconcile"))
		if err != nil {
			return err
		}
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	dispatcher := server.NewRealtimeDispatcher()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		LedgerService:    ledgerService,
		Realtime:         dispatcher,
		HealthCheck:      sqlDB.PingContext,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logging.Named(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Ends open event streams so Shutdown does not wait on them.
	httpServer.RegisterOnShutdown(dispatcher.Close)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newIdempotencyGuard(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (ledger.IdempotencyGuard, func(), error) {
	if appConfig.RedisAddress == "" {
		logger.Info("idempotency keys kept in process")
		return idempotency.NewMemoryGuard(appConfig.IdempotencyTTL, nil), func() {}, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	guard, err := idempotency.Dial(dialCtx, appConfig.RedisAddress, appConfig.IdempotencyTTL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("idempotency keys kept in redis", zap.String("address", appConfig.RedisAddress))
	return guard, func() {
		if err := guard.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}, nil
}

func newNotifier(appConfig config.AppConfig, logger *zap.Logger) notify.Notifier {
	if appConfig.WebhookURL == "" {
		return notify.Nop{}
	}
	notifier, err := notify.NewWebhookNotifier(notify.WebhookConfig{
		URL:   appConfig.WebhookURL,
		Token: appConfig.WebhookToken,
	})
	if err != nil {
		logger.Warn("webhook notifier disabled", zap.Error(err))
		return notify.Nop{}
	}
	return notifier
}
