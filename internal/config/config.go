package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "INVENTORY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "inventory.db"
	defaultDatabaseHost      = "127.0.0.1"
	defaultDatabasePort      = 3306
	defaultDatabaseName      = "inventory"
	defaultLogLevel          = "info"
	defaultSessionIssuer     = "tauth"
	defaultCookieName        = "app_session"
	defaultAllowedOrigins    = "*"
	defaultIdempotencyTTL    = 1440
	defaultReconcileSchedule = "0 7 * * *"
	defaultLowStockThreshold = 2
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	Database DatabaseConfig

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AllowedOrigins    []string

	RedisAddress   string
	IdempotencyTTL time.Duration

	ReconcileSchedule string
	LowStockThreshold int64

	WebhookURL   string
	WebhookToken string
}

// DatabaseConfig selects the relational store. Path applies to SQLite, the rest to MySQL.
type DatabaseConfig struct {
	Driver   string
	Path     string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// LoadDotEnv loads variables from an env file without overriding the process environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil
	}
	if err := godotenv.Load(trimmed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", trimmed, err)
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
	// An explicitly empty INVENTORY_RECONCILE_SCHEDULE disables the job.
	configViper.AllowEmptyEnv(true)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.host", defaultDatabaseHost)
	configViper.SetDefault("database.port", defaultDatabasePort)
	configViper.SetDefault("database.name", defaultDatabaseName)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("idempotency.ttl_minutes", defaultIdempotencyTTL)
	configViper.SetDefault("reconcile.schedule", defaultReconcileSchedule)
	configViper.SetDefault("reconcile.low_stock_threshold", defaultLowStockThreshold)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),
		Database: DatabaseConfig{
			Driver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:     configViper.GetString("database.path"),
			Host:     configViper.GetString("database.host"),
			Port:     configViper.GetInt("database.port"),
			User:     configViper.GetString("database.user"),
			Password: configViper.GetString("database.password"),
			Name:     configViper.GetString("database.name"),
		},
		SessionSigningKey: configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		AllowedOrigins:    splitList(configViper.GetString("cors.allowed_origins")),
		RedisAddress:      strings.TrimSpace(configViper.GetString("idempotency.redis_address")),
		IdempotencyTTL:    time.Duration(configViper.GetInt("idempotency.ttl_minutes")) * time.Minute,
		ReconcileSchedule: strings.TrimSpace(configViper.GetString("reconcile.schedule")),
		LowStockThreshold: configViper.GetInt64("reconcile.low_stock_threshold"),
		WebhookURL:        strings.TrimSpace(configViper.GetString("notify.webhook_url")),
		WebhookToken:      configViper.GetString("notify.webhook_token"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverMySQL:
		if strings.TrimSpace(c.Database.Host) == "" {
			return fmt.Errorf("database.host is required")
		}
		if strings.TrimSpace(c.Database.User) == "" {
			return fmt.Errorf("database.user is required")
		}
		if strings.TrimSpace(c.Database.Name) == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.Port <= 0 {
			return fmt.Errorf("database.port must be positive")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency.ttl_minutes must be positive")
	}
	if c.LowStockThreshold < 0 {
		return fmt.Errorf("reconcile.low_stock_threshold must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
