package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	EngineConfig       EngineConfig       `json:"engine"`
	FeedConfig         FeedConfig         `json:"feed"`
	BrokerConfig       BrokerConfig       `json:"broker"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	VaultConfig        VaultConfig        `json:"vault"`
}

// EngineConfig holds scheduler settings.
type EngineConfig struct {
	TimetablePath   string        `json:"timetable_path"`
	TimetablePoll   time.Duration `json:"timetable_poll"`
	TickInterval    time.Duration `json:"tick_interval"`
	MailboxDepth    int           `json:"mailbox_depth"`
	BarMinAge       time.Duration `json:"bar_min_age"`
	SessionTimezone string        `json:"session_timezone"`
}

// FeedConfig holds market data sources.
type FeedConfig struct {
	WebsocketURL string `json:"websocket_url"`
	BackfillURL  string `json:"backfill_url"`
	FilePath     string `json:"file_path"` // optional CSV replay source
}

// BrokerConfig selects and tunes the execution venue.
type BrokerConfig struct {
	Mode                  string `json:"mode"`  // "sim" or "dryrun"
	Venue                 string `json:"venue"` // credentials lookup key
	Paper                 bool   `json:"paper"`
	OrdersPerSecond       int    `json:"orders_per_second"`
	ProtectionDeadlineSec int    `json:"protection_deadline_sec"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the protection watchdog.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level   string `json:"level"`   // DEBUG, INFO, WARN, ERROR
	Output  string `json:"output"`  // stdout, stderr, or file path
	Console bool   `json:"console"` // human-readable console writer
}

type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Port           int    `json:"port"`
	Host           string `json:"host"`
	ProductionMode bool   `json:"production_mode"`
	JWTSecret      string `json:"jwt_secret"` // empty disables auth
	AllowedOrigins string `json:"allowed_origins"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for broker credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Load reads config.json if present and applies environment overrides on
// top. Environment always wins.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot safely start with.
func (c *Config) Validate() error {
	switch c.BrokerConfig.Mode {
	case "sim", "dryrun":
	default:
		return fmt.Errorf("broker mode must be sim or dryrun, got %q", c.BrokerConfig.Mode)
	}
	if c.EngineConfig.TimetablePath == "" {
		return fmt.Errorf("engine timetable_path is required")
	}
	if c.ServerConfig.Enabled && c.ServerConfig.Port <= 0 {
		return fmt.Errorf("server port must be positive, got %d", c.ServerConfig.Port)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Engine config
	cfg.EngineConfig.TimetablePath = getEnvOrDefault("ENGINE_TIMETABLE_PATH", cfg.EngineConfig.TimetablePath)
	if cfg.EngineConfig.TimetablePath == "" {
		cfg.EngineConfig.TimetablePath = "timetable.yaml"
	}
	cfg.EngineConfig.TimetablePoll = getEnvDurationOrDefault("ENGINE_TIMETABLE_POLL", orDuration(cfg.EngineConfig.TimetablePoll, 30*time.Second))
	cfg.EngineConfig.TickInterval = getEnvDurationOrDefault("ENGINE_TICK_INTERVAL", orDuration(cfg.EngineConfig.TickInterval, time.Second))
	cfg.EngineConfig.MailboxDepth = getEnvIntOrDefault("ENGINE_MAILBOX_DEPTH", orInt(cfg.EngineConfig.MailboxDepth, 256))
	cfg.EngineConfig.BarMinAge = getEnvDurationOrDefault("ENGINE_BAR_MIN_AGE", cfg.EngineConfig.BarMinAge)
	cfg.EngineConfig.SessionTimezone = getEnvOrDefault("ENGINE_SESSION_TIMEZONE", orString(cfg.EngineConfig.SessionTimezone, "America/Chicago"))

	// Feed config
	cfg.FeedConfig.WebsocketURL = getEnvOrDefault("FEED_WEBSOCKET_URL", cfg.FeedConfig.WebsocketURL)
	cfg.FeedConfig.BackfillURL = getEnvOrDefault("FEED_BACKFILL_URL", cfg.FeedConfig.BackfillURL)
	cfg.FeedConfig.FilePath = getEnvOrDefault("FEED_FILE_PATH", cfg.FeedConfig.FilePath)

	// Broker config
	cfg.BrokerConfig.Mode = getEnvOrDefault("BROKER_MODE", orString(cfg.BrokerConfig.Mode, "sim"))
	cfg.BrokerConfig.Venue = getEnvOrDefault("BROKER_VENUE", orString(cfg.BrokerConfig.Venue, "sim"))
	cfg.BrokerConfig.Paper = getEnvOrDefault("BROKER_PAPER", "true") == "true"
	cfg.BrokerConfig.OrdersPerSecond = getEnvIntOrDefault("BROKER_ORDERS_PER_SECOND", orInt(cfg.BrokerConfig.OrdersPerSecond, 5))
	cfg.BrokerConfig.ProtectionDeadlineSec = getEnvIntOrDefault("BROKER_PROTECTION_DEADLINE_SEC", orInt(cfg.BrokerConfig.ProtectionDeadlineSec, 30))

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", orString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", orInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", orString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", orString(cfg.DatabaseConfig.Database, "breakout"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", orString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolString(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", boolString(cfg.NotificationConfig.Telegram.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", boolString(cfg.NotificationConfig.Discord.Enabled)) == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.Console = getEnvOrDefault("LOG_CONSOLE", boolString(cfg.LoggingConfig.Console)) == "true"

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", boolString(cfg.ServerConfig.Enabled)) == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", orInt(cfg.ServerConfig.Port, 8090))
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION_MODE", boolString(cfg.ServerConfig.ProductionMode)) == "true"
	cfg.ServerConfig.JWTSecret = getEnvOrDefault("SERVER_JWT_SECRET", cfg.ServerConfig.JWTSecret)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", orString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orString(cfg.VaultConfig.SecretPath, "breakout-engine/broker"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", boolString(cfg.VaultConfig.TLSEnabled)) == "true"
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.VaultConfig.CACert)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func orString(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return fallback
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
