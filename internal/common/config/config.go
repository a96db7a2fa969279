// Package config provides configuration management for agent-console.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agent-console.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Buffer        BufferConfig        `mapstructure:"buffer"`
	Activity      ActivityConfig      `mapstructure:"activity"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Worktree      WorktreeConfig      `mapstructure:"worktree"`
	Agents        AgentsConfig        `mapstructure:"agents"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite3" (default) stores data in Path; driver "pgx" connects
// to PostgreSQL using the host/port/user fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BufferConfig holds output buffer store configuration.
type BufferConfig struct {
	Dir           string `mapstructure:"dir"`           // directory for per-worker output logs
	FlushInterval int    `mapstructure:"flushInterval"` // in milliseconds
	RotateBytes   int64  `mapstructure:"rotateBytes"`   // rotate live log past this size
	ReadChunkMax  int    `mapstructure:"readChunkMax"`  // max bytes per read call
}

// ActivityConfig holds activity detector tuning.
// The idle timeout and rate threshold are deliberately configuration, not
// constants; agent TUIs vary widely in output cadence.
type ActivityConfig struct {
	WindowBytes     int      `mapstructure:"windowBytes"`     // rolling window size for pattern matching
	IdleTimeout     int      `mapstructure:"idleTimeout"`     // in milliseconds; silence past this => idle
	ActiveWindow    int      `mapstructure:"activeWindow"`    // in milliseconds; rate window for active
	ActiveThreshold int      `mapstructure:"activeThreshold"` // chunk count in window => active
	AskingPatterns  []string `mapstructure:"askingPatterns"`  // ordered regexes, first match wins
}

// QueueConfig holds durable job queue configuration.
type QueueConfig struct {
	Concurrency  int `mapstructure:"concurrency"`
	PollInterval int `mapstructure:"pollInterval"` // in milliseconds
	BackoffBase  int `mapstructure:"backoffBase"`  // in seconds
	BackoffCap   int `mapstructure:"backoffCap"`   // in seconds
	MaxAttempts  int `mapstructure:"maxAttempts"`  // default per-job retry budget
}

// WorktreeConfig holds Git worktree configuration.
type WorktreeConfig struct {
	BasePath        string `mapstructure:"basePath"`        // base directory for worktrees
	DefaultBranch   string `mapstructure:"defaultBranch"`   // default base branch
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"` // remove worktree directory on session deletion
}

// AgentsConfig holds agent template configuration.
type AgentsConfig struct {
	TemplatesPath string `mapstructure:"templatesPath"` // YAML file with agent command templates
	DefaultShell  string `mapstructure:"defaultShell"`  // shell command for terminal workers
}

// NotificationsConfig holds outbound notification configuration.
type NotificationsConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	AppriseURLs []string `mapstructure:"appriseUrls"`
	WebhookURL  string   `mapstructure:"webhookUrl"`
	NotifyOn    []string `mapstructure:"notifyOn"` // activity states that trigger notification
}

// WebhookConfig holds inbound webhook configuration.
type WebhookConfig struct {
	GithubSecret string `mapstructure:"githubSecret"` // HMAC secret for X-Hub-Signature-256
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// FlushIntervalDuration returns the buffer flush interval as a time.Duration.
func (b *BufferConfig) FlushIntervalDuration() time.Duration {
	return time.Duration(b.FlushInterval) * time.Millisecond
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (a *ActivityConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Millisecond
}

// ActiveWindowDuration returns the active rate window as a time.Duration.
func (a *ActivityConfig) ActiveWindowDuration() time.Duration {
	return time.Duration(a.ActiveWindow) * time.Millisecond
}

// PollIntervalDuration returns the queue poll interval as a time.Duration.
func (q *QueueConfig) PollIntervalDuration() time.Duration {
	return time.Duration(q.PollInterval) * time.Millisecond
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for production environments, "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AGENTCONSOLE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3100)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file under the data directory
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "~/.agent-console/agent-console.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agent-console")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Output buffer defaults
	v.SetDefault("buffer.dir", "~/.agent-console/output")
	v.SetDefault("buffer.flushInterval", 100)
	v.SetDefault("buffer.rotateBytes", int64(8*1024*1024))
	v.SetDefault("buffer.readChunkMax", 512*1024)

	// Activity detector defaults
	v.SetDefault("activity.windowBytes", 4096)
	v.SetDefault("activity.idleTimeout", 4000)
	v.SetDefault("activity.activeWindow", 2000)
	v.SetDefault("activity.activeThreshold", 3)
	v.SetDefault("activity.askingPatterns", []string{
		`(?i)\?\s*$`,
		`(?i)\[y/n\]`,
		`(?i)do you want`,
		`(?i)press enter to`,
		`❯`,
	})

	// Queue defaults
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.pollInterval", 500)
	v.SetDefault("queue.backoffBase", 2)
	v.SetDefault("queue.backoffCap", 300)
	v.SetDefault("queue.maxAttempts", 3)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.agent-console/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.cleanupOnRemove", true)

	// Agent defaults
	v.SetDefault("agents.templatesPath", "")
	v.SetDefault("agents.defaultShell", defaultShell())

	// Notification defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.notifyOn", []string{"asking", "exit"})

	// Webhook defaults
	v.SetDefault("webhook.githubSecret", "")
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTCONSOLE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.agent-console/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTCONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.agent-console")
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for pgx")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for pgx")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Queue.Concurrency <= 0 {
		errs = append(errs, "queue.concurrency must be positive")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.maxAttempts must be positive")
	}
	if cfg.Buffer.FlushInterval <= 0 {
		errs = append(errs, "buffer.flushInterval must be positive")
	}
	if cfg.Activity.WindowBytes <= 0 {
		errs = append(errs, "activity.windowBytes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
