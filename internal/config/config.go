// Package config loads the service configuration from environment variables
// and an optional .env file. Components receive the loaded snapshot through
// their constructors and never reach into ambient process state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings for the staff API.
type ServerConfig struct {
	Host string
	Port int
}

// RelayConfig holds the thread-relay behaviour knobs.
type RelayConfig struct {
	// Prefix is the command prefix staff use in relay channels.
	Prefix string
	// AccountAge is the minimum age of a user account before it may open a
	// thread. Zero disables the check.
	AccountAge time.Duration
	// GuildAge is the minimum community membership age before a user may
	// open a thread. Zero disables the check.
	GuildAge time.Duration
	// ThreadCooldown is the minimum gap between a user's thread closing and
	// the next one opening. Zero disables the check.
	ThreadCooldown time.Duration
	// AutoCloseAfter closes idle threads after this duration. Zero disables
	// auto close. The timer restarts on every delivery.
	AutoCloseAfter time.Duration
	// AutoCloseSilently suppresses the closing notice to the recipient on
	// auto close.
	AutoCloseSilently bool

	ReplyWithoutCommand bool
	AnonWithoutCommand  bool
	PlainWithoutCommand bool
	AnonymousSnippets   bool
	TransferReactions   bool
	CloseOnLeave        bool
	CloseOnLeaveReason  string

	// SentMarker and BlockedMarker are the reactions placed on a user's
	// message to report delivery or rejection. "disable" turns a marker off.
	SentMarker    string
	BlockedMarker string

	// AnonymousName is the author shown to recipients for anonymous replies.
	AnonymousName string
	// Permissions maps a permission level name ("supporter", "moderator",
	// "administrator", "owner") to the user and role ids holding it.
	Permissions map[string][]string
	// CloseMessage is the default goodbye sent on close when no reason is
	// given.
	CloseMessage string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string
	Development bool
	File        string
}

// DatabaseConfig holds the SQL store settings. An empty Type selects the
// in-memory store.
type DatabaseConfig struct {
	Type            string // "mysql" or "postgres"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the optional cache settings. An empty Address disables
// the cache.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// JWTConfig holds staff-API token settings.
type JWTConfig struct {
	Secret       string
	Issuer       string
	AccessExpiry time.Duration
	// AdminPasswordHash is the bcrypt hash accepted by the login endpoint.
	AdminPasswordHash string
}

// SMTPConfig holds the mail-ingress listener settings. An empty BindAddr
// disables mail ingress.
type SMTPConfig struct {
	BindAddr string
	Domain   string
	MaxConns int
	MaxRate  int
}

// CORSConfig holds allowed origins for the staff API and websocket hub.
type CORSConfig struct {
	AllowedOrigins []string
}

// Config is the root configuration snapshot.
type Config struct {
	Server   ServerConfig
	Relay    RelayConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	SMTP     SMTPConfig
	CORS     CORSConfig
}

// Load reads configuration with the precedence: environment variables, then
// .env file, then defaults. The environment prefix is MODMAIL_.
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("modmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("relay.prefix", "?")
	viper.SetDefault("relay.account_age", "0")
	viper.SetDefault("relay.guild_age", "0")
	viper.SetDefault("relay.thread_cooldown", "0")
	viper.SetDefault("relay.auto_close_after", "0")
	viper.SetDefault("relay.auto_close_silently", false)
	viper.SetDefault("relay.reply_without_command", false)
	viper.SetDefault("relay.anon_without_command", false)
	viper.SetDefault("relay.plain_without_command", false)
	viper.SetDefault("relay.anonymous_snippets", false)
	viper.SetDefault("relay.transfer_reactions", true)
	viper.SetDefault("relay.close_on_leave", false)
	viper.SetDefault("relay.close_on_leave_reason", "The recipient has left the server.")
	viper.SetDefault("relay.sent_marker", "✅")
	viper.SetDefault("relay.blocked_marker", "\U0001F6AB")
	viper.SetDefault("relay.anonymous_name", "Staff")
	viper.SetDefault("relay.close_message", "This thread has been closed.")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "")
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("jwt.issuer", "modmail")
	viper.SetDefault("jwt.access_expiry", "15m")
	viper.SetDefault("jwt.admin_password_hash", "")
	viper.SetDefault("smtp.bind_addr", "")
	viper.SetDefault("smtp.domain", "relay.local")
	viper.SetDefault("smtp.max_conns", 50)
	viper.SetDefault("smtp.max_rate", 10)
	viper.SetDefault("cors.allowed_origins", "*")

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Relay: RelayConfig{
			Prefix:              viper.GetString("relay.prefix"),
			AccountAge:          lenientDuration("relay.account_age"),
			GuildAge:            lenientDuration("relay.guild_age"),
			ThreadCooldown:      lenientDuration("relay.thread_cooldown"),
			AutoCloseAfter:      lenientDuration("relay.auto_close_after"),
			AutoCloseSilently:   viper.GetBool("relay.auto_close_silently"),
			ReplyWithoutCommand: viper.GetBool("relay.reply_without_command"),
			AnonWithoutCommand:  viper.GetBool("relay.anon_without_command"),
			PlainWithoutCommand: viper.GetBool("relay.plain_without_command"),
			AnonymousSnippets:   viper.GetBool("relay.anonymous_snippets"),
			TransferReactions:   viper.GetBool("relay.transfer_reactions"),
			CloseOnLeave:        viper.GetBool("relay.close_on_leave"),
			CloseOnLeaveReason:  viper.GetString("relay.close_on_leave_reason"),
			SentMarker:          viper.GetString("relay.sent_marker"),
			BlockedMarker:       viper.GetString("relay.blocked_marker"),
			AnonymousName:       viper.GetString("relay.anonymous_name"),
			Permissions:         viper.GetStringMapStringSlice("relay.permissions"),
			CloseMessage:        viper.GetString("relay.close_message"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:            viper.GetString("jwt.secret"),
			Issuer:            viper.GetString("jwt.issuer"),
			AccessExpiry:      viper.GetDuration("jwt.access_expiry"),
			AdminPasswordHash: viper.GetString("jwt.admin_password_hash"),
		},
		SMTP: SMTPConfig{
			BindAddr: viper.GetString("smtp.bind_addr"),
			Domain:   viper.GetString("smtp.domain"),
			MaxConns: viper.GetInt("smtp.max_conns"),
			MaxRate:  viper.GetInt("smtp.max_rate"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(viper.GetString("cors.allowed_origins")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// lenientDuration parses a duration setting; an invalid value is discarded
// and the feature it gates stays disabled, per the configuration error
// policy: warn and continue, never crash.
func lenientDuration(key string) time.Duration {
	raw := viper.GetString(key)
	if raw == "" || raw == "0" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "config: invalid duration for %s: %q (ignored)\n", key, raw)
		return 0
	}
	return d
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Relay.Prefix == "" {
		return fmt.Errorf("relay prefix must not be empty")
	}
	if c.Database.Type != "" && c.Database.Type != "mysql" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.Type != "" && c.Database.DSN == "" {
		return fmt.Errorf("database DSN required when database type is set")
	}
	return nil
}

// loadEnvFile loads a .env from the working directory or its parent; the
// file is optional, so failures are silent.
func loadEnvFile() {
	for _, path := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}
