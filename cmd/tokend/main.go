package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quickmark/tokenledger/internal/httpapi"
	"github.com/quickmark/tokenledger/internal/store/gormstore"
	"github.com/quickmark/tokenledger/internal/store/pgstore"
	"github.com/quickmark/tokenledger/pkg/payment"
	"github.com/quickmark/tokenledger/pkg/tokens"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagWebhookSecret  = "webhook-secret"
	flagAllowedOrigins = "allowed-origins"
	flagUnitPriceCents = "unit-price-cents"
	flagPurchaseExpiry = "purchase-expiry"
	flagSweepInterval  = "sweep-interval"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyJWTSigningKey  = "jwt_signing_key"
	configKeyJWTIssuer      = "jwt_issuer"
	configKeyWebhookSecret  = "webhook_secret"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyUnitPriceCents = "unit_price_cents"
	configKeyPurchaseExpiry = "purchase_expiry"
	configKeySweepInterval  = "sweep_interval"

	defaultDatabaseURL    = "sqlite:///tmp/tokenledger.db"
	defaultListenAddr     = ":8080"
	defaultUnitPriceCents = int64(1)
	defaultPurchaseExpiry = 15 * time.Minute
	defaultSweepInterval  = time.Minute
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	JWTSigningKey  string
	JWTIssuer      string
	WebhookSecret  string
	AllowedOrigins string
	UnitPriceCents int64
	PurchaseExpiry time.Duration
	SweepInterval  time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokend: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tokend",
		Short:         "Token ledger and payment reconciliation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key for session token verification")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer claim")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for payment gateway webhooks")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().Int64(flagUnitPriceCents, defaultUnitPriceCents, "price of one token in base currency cents")
	cmd.Flags().Duration(flagPurchaseExpiry, defaultPurchaseExpiry, "age after which pending purchases expire")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "interval between pending purchase sweeps")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyJWTSigningKey:  flagJWTSigningKey,
		configKeyJWTIssuer:      flagJWTIssuer,
		configKeyWebhookSecret:  flagWebhookSecret,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyUnitPriceCents: flagUnitPriceCents,
		configKeyPurchaseExpiry: flagPurchaseExpiry,
		configKeySweepInterval:  flagSweepInterval,
	}
	for configKey, flagName := range bindings {
		if err := viper.BindEnv(configKey, strings.ToUpper(configKey)); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.UnitPriceCents = viper.GetInt64(configKeyUnitPriceCents)
	cfg.PurchaseExpiry = viper.GetDuration(configKeyPurchaseExpiry)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)

	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.UnitPriceCents <= 0 {
		cfg.UnitPriceCents = defaultUnitPriceCents
	}
	if cfg.PurchaseExpiry <= 0 {
		cfg.PurchaseExpiry = defaultPurchaseExpiry
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tokenStore, paymentStore, cleanup, err := openStores(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	pricing, err := payment.NewPricing(cfg.UnitPriceCents, cfg.PurchaseExpiry)
	if err != nil {
		return fmt.Errorf("pricing init: %w", err)
	}
	pricingHolder := payment.NewPricingHolder(pricing)

	clock := func() int64 { return time.Now().UTC().Unix() }
	micros := func() int64 { return time.Now().UTC().UnixMicro() }

	tokenService, err := tokens.NewService(tokenStore, clock, pricingHolder.UnitPrice,
		tokens.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("token service init: %w", err)
	}

	uidFactory, err := payment.NewTxIDFactory(paymentStore, micros)
	if err != nil {
		return fmt.Errorf("uid factory init: %w", err)
	}
	intentFactory, err := payment.NewIntentFactory(paymentStore, uidFactory, pricingHolder, clock)
	if err != nil {
		return fmt.Errorf("intent factory init: %w", err)
	}
	reconciler, err := payment.NewReconciler(paymentStore, clock)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	sweeper, err := payment.NewSweeper(paymentStore, pricingHolder, clock)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	go runSweeper(ctx, logger, sweeper, cfg.SweepInterval)

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		WebhookSecret:  cfg.WebhookSecret,
	}
	return httpapi.Run(ctx, apiConfig, httpapi.Dependencies{
		Logger:     logger,
		Tokens:     tokenService,
		Intents:    intentFactory,
		Reconciler: reconciler,
		Payments:   paymentStore,
		Pricing:    pricingHolder,
	})
}

func runSweeper(ctx context.Context, logger *zap.Logger, sweeper *payment.Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := sweeper.ExpirePending(ctx)
			if err != nil {
				logger.Error("pending purchase sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				logger.Info("expired pending purchases", zap.Int64("count", expired))
			}
		}
	}
}

func openStores(ctx context.Context, dsn string) (tokens.Store, payment.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, nil, err
	}

	switch driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.NewTokenStore(pool), pgstore.NewPaymentStore(pool), cleanup, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, nil, err
		}
		db = db.WithContext(ctx)
		if err := prepareSchema(db); err != nil {
			_ = sqlDB.Close()
			return nil, nil, nil, err
		}
		cleanup := func() error { return sqlDB.Close() }
		return gormstore.NewTokenStore(db), gormstore.NewPaymentStore(db), cleanup, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tokenledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&gormstore.TokenAccount{}, &gormstore.UsageRecord{}, &gormstore.Purchase{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry tokens.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("tokens", int64(entry.Tokens)),
		zap.String("status", entry.Status),
	}
	if entry.Tag != "" {
		fields = append(fields, zap.String("tag", entry.Tag))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
