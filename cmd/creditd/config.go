package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "CREDITD"

	flagDatabaseURL    = "database-url"
	flagStore          = "store"
	flagPolicyFile     = "policy-file"
	flagLogLevel       = "log-level"
	flagListenAddr     = "listen-addr"
	flagHealthAddr     = "health-addr"
	flagSweepSecret    = "sweep-secret"
	flagSweepInterval  = "sweep-interval"
	flagAllowedOrigins = "allowed-origins"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagJWTCookieName  = "jwt-cookie-name"
	flagTier           = "tier"
	flagReason         = "reason"

	storeGorm = "gorm"
	storePGX  = "pgx"

	defaultDatabaseURL = "sqlite:///tmp/credits.db"
	defaultLogLevel    = "info"
	defaultListenAddr  = ":8080"
	defaultHealthAddr  = ":7000"
)

type runtimeConfig struct {
	DatabaseURL    string
	Store          string
	PolicyFile     string
	LogLevel       string
	ListenAddr     string
	HealthAddr     string
	SweepSecret    string
	SweepInterval  time.Duration
	AllowedOrigins []string
	JWTSigningKey  string
	JWTIssuer      string
	JWTCookieName  string
}

func (cfg *runtimeConfig) httpConfig() httpapi.Config {
	return httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.JWTSigningKey,
		SessionIssuer:     cfg.JWTIssuer,
		SessionCookieName: cfg.JWTCookieName,
		SweepSecret:       cfg.SweepSecret,
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger daemon and account tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "sqlite:// path or postgres:// connection string")
	cmd.PersistentFlags().String(flagStore, storeGorm, "store implementation: gorm or pgx (postgres only)")
	cmd.PersistentFlags().String(flagPolicyFile, "", "YAML file with costs, tiers and cycle (built-in policy when empty)")
	cmd.PersistentFlags().String(flagLogLevel, defaultLogLevel, "log level: debug, info, warn or error")

	cmd.AddCommand(
		newServeCommand(cfg),
		newSweepCommand(cfg),
		newAccountCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(settings.GetString(flagStore)))
	if cfg.Store == "" {
		cfg.Store = storeGorm
	}
	cfg.PolicyFile = settings.GetString(flagPolicyFile)
	cfg.LogLevel = settings.GetString(flagLogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.ListenAddr = settings.GetString(flagListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.HealthAddr = settings.GetString(flagHealthAddr)
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = defaultHealthAddr
	}
	cfg.SweepSecret = settings.GetString(flagSweepSecret)
	cfg.SweepInterval = settings.GetDuration(flagSweepInterval)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = settings.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = settings.GetString(flagJWTIssuer)
	cfg.JWTCookieName = settings.GetString(flagJWTCookieName)

	switch cfg.Store {
	case storeGorm, storePGX:
	default:
		return fmt.Errorf("unsupported store %q", cfg.Store)
	}
	if cfg.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative")
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = atomicLevel
	return loggerConfig.Build()
}
