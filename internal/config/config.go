// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package config loads the Gatekeep configuration.
//
// Sources are layered, later ones winning: built-in defaults, an optional
// YAML file, an optional .env file, the DATABASE_URL variable,
// GATEKEEP_-prefixed environment variables, and finally command-line flags
// that were set explicitly. Nested keys are separated by a double
// underscore in environment variables, so GATEKEEP_TOKEN__ACCESS_TTL sets
// token.access_ttl.
package config

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GATEKEEP_"

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Notification queues and senders.
const (
	QueueChannel = "channel"
	QueueRedis   = "redis"
	SenderSMTP   = "smtp"
	SenderLog    = "log"
)

// Config is the complete runtime configuration. It is built once by Load
// and passed by value; nothing reads configuration from globals.
type Config struct {
	Server   ServerConfig   `koanf:"server" yaml:"server"`
	Metrics  MetricsConfig  `koanf:"metrics" yaml:"metrics"`
	Log      LogConfig      `koanf:"log" yaml:"log"`
	Store    string         `koanf:"store" yaml:"store" jsonschema:"enum=postgres,enum=memory"`
	Database DatabaseConfig `koanf:"database" yaml:"database"`
	Token    TokenConfig    `koanf:"token" yaml:"token"`
	Notify   NotifyConfig   `koanf:"notify" yaml:"notify"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr              string        `koanf:"addr" yaml:"addr"`
	CORSOrigins       []string      `koanf:"cors_origins" yaml:"cors_origins"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig configures the metrics and health probe listener. An empty
// Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `koanf:"format" yaml:"format" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=warning,enum=error"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL            string        `koanf:"url" yaml:"url"`
	ConnectRetries uint64        `koanf:"connect_retries" yaml:"connect_retries"`
	ConnectBackoff time.Duration `koanf:"connect_backoff" yaml:"connect_backoff"`
	AutoMigrate    bool          `koanf:"auto_migrate" yaml:"auto_migrate"`
}

// TokenConfig configures token signing.
type TokenConfig struct {
	Secret        string        `koanf:"secret" yaml:"secret"`
	RefreshSecret string        `koanf:"refresh_secret" yaml:"refresh_secret"`
	ResetSecret   string        `koanf:"reset_secret" yaml:"reset_secret"`
	Algorithm     string        `koanf:"algorithm" yaml:"algorithm"`
	AccessTTL     time.Duration `koanf:"access_ttl" yaml:"access_ttl"`
	RefreshTTL    time.Duration `koanf:"refresh_ttl" yaml:"refresh_ttl"`
	ResetTTL      time.Duration `koanf:"reset_ttl" yaml:"reset_ttl"`
}

// NotifyConfig configures password reset delivery.
type NotifyConfig struct {
	Queue     string     `koanf:"queue" yaml:"queue" jsonschema:"enum=channel,enum=redis"`
	Sender    string     `koanf:"sender" yaml:"sender" jsonschema:"enum=smtp,enum=log"`
	Workers   int        `koanf:"workers" yaml:"workers" jsonschema:"minimum=1"`
	QueueSize int        `koanf:"queue_size" yaml:"queue_size" jsonschema:"minimum=1"`
	RedisURL  string     `koanf:"redis_url" yaml:"redis_url"`
	RedisKey  string     `koanf:"redis_key" yaml:"redis_key"`
	AppHost   string     `koanf:"app_host" yaml:"app_host"`
	ResetPath string     `koanf:"reset_path" yaml:"reset_path"`
	SMTP      SMTPConfig `koanf:"smtp" yaml:"smtp"`
}

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Host        string        `koanf:"host" yaml:"host"`
	Port        int           `koanf:"port" yaml:"port" jsonschema:"minimum=1,maximum=65535"`
	Username    string        `koanf:"username" yaml:"username"`
	Password    string        `koanf:"password" yaml:"password"`
	From        string        `koanf:"from" yaml:"from"`
	StartTLS    bool          `koanf:"starttls" yaml:"starttls"`
	ImplicitTLS bool          `koanf:"implicit_tls" yaml:"implicit_tls"`
	Timeout     time.Duration `koanf:"timeout" yaml:"timeout"`
}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":                "127.0.0.1:8080",
		"server.cors_origins":        []string{},
		"server.read_header_timeout": "10s",
		"server.shutdown_timeout":    "15s",
		"metrics.addr":               "127.0.0.1:9100",
		"log.format":                 "json",
		"log.level":                  "info",
		"store":                      StorePostgres,
		"database.connect_retries":   6,
		"database.connect_backoff":   "500ms",
		"database.auto_migrate":      false,
		"token.algorithm":            auth.DefaultAlgorithm,
		"token.access_ttl":           auth.DefaultAccessTokenTTL.String(),
		"token.refresh_ttl":          auth.DefaultRefreshTokenTTL.String(),
		"token.reset_ttl":            auth.ResetTokenTTL.String(),
		"notify.queue":               QueueChannel,
		"notify.sender":              SenderLog,
		"notify.workers":             2,
		"notify.queue_size":          128,
		"notify.redis_key":           "gatekeep:notify:password_reset",
		"notify.app_host":            "http://localhost:8080",
		"notify.reset_path":          "auth/reset-password",
		"notify.smtp.port":           587,
		"notify.smtp.starttls":       true,
		"notify.smtp.timeout":        "10s",
	}
}

// Options selects the optional sources for Load.
type Options struct {
	// File is a YAML config file. Empty means none.
	File string
	// EnvFile is a dotenv file. A missing file is ignored unless
	// EnvFileRequired is set.
	EnvFile         string
	EnvFileRequired bool
	// Flags are applied last. Only flags listed in FlagKeys are read.
	Flags *pflag.FlagSet
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"addr":         "server.addr",
	"metrics-addr": "metrics.addr",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"store":        "store",
	"database-url": "database.url",
	"auto-migrate": "database.auto_migrate",
}

// Load builds a Config from all sources and validates it.
func Load(opts Options) (Config, error) {
	cfg, err := load(opts)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnvalidated builds a Config without validating it.
func LoadUnvalidated(opts Options) (Config, error) {
	return load(opts)
}

func load(opts Options) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "defaults").Wrap(err)
	}

	if opts.File != "" {
		if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", opts.File).Wrap(err)
		}
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", opts.File).Wrap(err)
		}
		if err := ValidateFile(data); err != nil {
			return Config{}, oops.With("path", opts.File).Wrap(err)
		}
	}

	if opts.EnvFile != "" {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(opts.EnvFile); err != nil {
			if opts.EnvFileRequired || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "dotenv").With("path", opts.EnvFile).Wrap(err)
			}
		}
	}

	databaseURL := env.ProviderWithValue("DATABASE_URL", ".", func(name, value string) (string, any) {
		if name != "DATABASE_URL" {
			return "", nil
		}
		return "database.url", value
	})
	if err := k.Load(databaseURL, nil); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := FlagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_DECODE_FAILED").Wrap(err)
	}
	return cfg, nil
}

// envKey maps GATEKEEP_TOKEN__ACCESS_TTL to token.access_ttl.
func envKey(name string) string {
	name = strings.TrimPrefix(name, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
	}

	if c.Server.Addr == "" {
		return invalid("server.addr", "server address is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "log level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	switch c.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			return invalid("database.url", "database url is required for the postgres store")
		}
	case StoreMemory:
	default:
		return invalid("store", "store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	if c.Token.Secret == "" {
		return invalid("token.secret", "token secret is required")
	}
	if _, err := auth.SigningMethod(c.Token.Algorithm); err != nil {
		return invalid("token.algorithm", "unsupported token algorithm %q", c.Token.Algorithm)
	}
	for key, ttl := range map[string]time.Duration{
		"token.access_ttl":  c.Token.AccessTTL,
		"token.refresh_ttl": c.Token.RefreshTTL,
		"token.reset_ttl":   c.Token.ResetTTL,
	} {
		if ttl <= 0 {
			return invalid(key, "%s must be positive, got %s", key, ttl)
		}
	}

	if !slices.Contains([]string{QueueChannel, QueueRedis}, c.Notify.Queue) {
		return invalid("notify.queue", "notify queue must be %q or %q, got %q", QueueChannel, QueueRedis, c.Notify.Queue)
	}
	if c.Notify.Queue == QueueRedis && c.Notify.RedisURL == "" {
		return invalid("notify.redis_url", "redis url is required for the redis queue")
	}
	if c.Notify.Workers <= 0 {
		return invalid("notify.workers", "notify workers must be positive, got %d", c.Notify.Workers)
	}
	switch c.Notify.Sender {
	case SenderSMTP:
		if c.Notify.SMTP.Host == "" {
			return invalid("notify.smtp.host", "smtp host is required for the smtp sender")
		}
		if c.Notify.SMTP.From == "" {
			return invalid("notify.smtp.from", "smtp from address is required for the smtp sender")
		}
		if c.Notify.SMTP.StartTLS && c.Notify.SMTP.ImplicitTLS {
			return invalid("notify.smtp.starttls", "starttls and implicit_tls are mutually exclusive")
		}
	case SenderLog:
	default:
		return invalid("notify.sender", "notify sender must be %q or %q, got %q", SenderSMTP, SenderLog, c.Notify.Sender)
	}
	if c.Notify.AppHost == "" {
		return invalid("notify.app_host", "app host is required to build reset links")
	}

	return nil
}

// AuthTokenConfig converts the token settings for auth.NewTokenService.
func (c Config) AuthTokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Secret:        []byte(c.Token.Secret),
		RefreshSecret: []byte(c.Token.RefreshSecret),
		ResetSecret:   []byte(c.Token.ResetSecret),
		Algorithm:     c.Token.Algorithm,
		AccessTTL:     c.Token.AccessTTL,
		RefreshTTL:    c.Token.RefreshTTL,
		ResetTTL:      c.Token.ResetTTL,
	}
}

const redacted = "[redacted]"

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out := c
	out.Server.CORSOrigins = slices.Clone(c.Server.CORSOrigins)
	out.Token.Secret = mask(c.Token.Secret)
	out.Token.RefreshSecret = mask(c.Token.RefreshSecret)
	out.Token.ResetSecret = mask(c.Token.ResetSecret)
	out.Notify.SMTP.Password = mask(c.Notify.SMTP.Password)
	out.Database.URL = redactURL(c.Database.URL)
	out.Notify.RedisURL = redactURL(c.Notify.RedisURL)
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	return u.Redacted()
}
