package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "BOARDRELAY"

	// DatabaseDriverSQLite selects the embedded SQLite store.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a PostgreSQL store.
	DatabaseDriverPostgres = "postgres"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabaseDSN       = "boardrelay.db"
	defaultLogLevel          = "info"
	defaultAuthIssuer        = "boardrelay"
	defaultCookieName        = "app_session"
	defaultTokenTTL          = 30 * time.Minute
	defaultRedisPrefix       = "boardrelay:session:"
	defaultSendBuffer        = 64
	defaultWriteTimeout      = 10 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultMaxMessageBytes   = 1 << 20
	defaultMaxDocumentBytes  = 32 << 20
	defaultCORSAllowedOrigin = "*"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthCookieName     string
	AuthTokenTTL       time.Duration
	RedisAddress       string
	RedisChannelPrefix string
	SendBuffer         int
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxMessageBytes    int64
	MaxDocumentBytes   int
	CORSAllowedOrigins []string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel_prefix", defaultRedisPrefix)
	configViper.SetDefault("relay.send_buffer", defaultSendBuffer)
	configViper.SetDefault("relay.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("relay.ping_interval", defaultPingInterval)
	configViper.SetDefault("relay.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("relay.max_document_bytes", defaultMaxDocumentBytes)
	configViper.SetDefault("cors.allowed_origins", []string{defaultCORSAllowedOrigin})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:           configViper.GetString("log.level"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthCookieName:     strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		AuthTokenTTL:       configViper.GetDuration("auth.token_ttl"),
		RedisAddress:       strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannelPrefix: strings.TrimSpace(configViper.GetString("redis.channel_prefix")),
		SendBuffer:         configViper.GetInt("relay.send_buffer"),
		WriteTimeout:       configViper.GetDuration("relay.write_timeout"),
		PingInterval:       configViper.GetDuration("relay.ping_interval"),
		MaxMessageBytes:    configViper.GetInt64("relay.max_message_bytes"),
		MaxDocumentBytes:   configViper.GetInt("relay.max_document_bytes"),
		CORSAllowedOrigins: splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RedisEnabled reports whether cross-replica fan-out is configured.
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddress != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.AuthIssuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.AuthCookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be positive")
	}
	if c.MaxDocumentBytes < 0 {
		return fmt.Errorf("relay.max_document_bytes must not be negative")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma-separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	if len(origins) == 0 {
		return []string{defaultCORSAllowedOrigin}
	}
	return origins
}
