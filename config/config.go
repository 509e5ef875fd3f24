package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig         `json:"server" yaml:"server"`
	Database       DatabaseConfig       `json:"database" yaml:"database"`
	Redis          RedisConfig          `json:"redis" yaml:"redis"`
	Vault          VaultConfig          `json:"vault" yaml:"vault"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Notification   NotificationConfig   `json:"notification" yaml:"notification"`
	Exchange       ExchangeConfig       `json:"exchange" yaml:"exchange"`
	Engine         EngineConfig         `json:"engine" yaml:"engine"`
	Metrics        MetricsConfig        `json:"metrics" yaml:"metrics"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port" yaml:"port" validate:"gt=0,lte=65535"`
	Host            string `json:"host" yaml:"host"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"` // comma separated, "*" for any
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`         // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`       // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"` // Seconds
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Origins splits AllowedOrigins.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host" validate:"required"`
	Port     int    `json:"port" yaml:"port" validate:"gt=0,lte=65535"`
	User     string `json:"user" yaml:"user" validate:"required"`
	Password string `json:"password" yaml:"password"`
	Name     string `json:"name" yaml:"name" validate:"required"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns" validate:"gte=0"`
	MinConns int32  `json:"min_conns" yaml:"min_conns" validate:"gte=0"`
}

// DSN builds a libpq keyword/value connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// RedisConfig holds Redis configuration for the shared cooldown map and candle cache
type RedisConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Address   string `json:"address" yaml:"address" validate:"required_if=Enabled true"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db" validate:"gte=0"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size" validate:"gte=0"`
	CandleTTL int    `json:"candle_ttl" yaml:"candle_ttl"` // Seconds
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address" validate:"required_if=Enabled true"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`   // KV secrets engine mount path
	SecretPath string `json:"secret_path" yaml:"secret_path"` // Path prefix for API keys
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" validate:"omitempty,oneof=TRACE DEBUG INFO WARN ERROR trace debug info warn error"`
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	AMQP     AMQPConfig     `json:"amqp" yaml:"amqp"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token" validate:"required_if=Enabled true"`
	ChatID   string `json:"chat_id" yaml:"chat_id" validate:"required_if=Enabled true"`
	APIURL   string `json:"api_url" yaml:"api_url"`
}

// AMQPConfig configures the signal queue publisher
type AMQPConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	URL        string `json:"url" yaml:"url" validate:"required_if=Enabled true"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
	Queue      string `json:"queue" yaml:"queue"`
}

// ExchangeConfig holds upstream endpoints and REST limits
type ExchangeConfig struct {
	BinanceWSURL      string  `json:"binance_ws_url" yaml:"binance_ws_url" validate:"required,url"`
	BinanceRESTURL    string  `json:"binance_rest_url" yaml:"binance_rest_url" validate:"required,url"`
	BybitWSURL        string  `json:"bybit_ws_url" yaml:"bybit_ws_url" validate:"required,url"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `json:"burst" yaml:"burst" validate:"gte=0"`
	RESTTimeout       int     `json:"rest_timeout" yaml:"rest_timeout"` // Seconds
}

// EngineConfig tunes the signal engine. Durations are in seconds unless the
// field name says otherwise.
type EngineConfig struct {
	BufferCapacity         int  `json:"buffer_capacity" yaml:"buffer_capacity" validate:"gte=50,lte=5000"`
	CooldownSeconds        int  `json:"cooldown_seconds" yaml:"cooldown_seconds" validate:"gte=0"`
	ReconnectBaseSeconds   int  `json:"reconnect_base_seconds" yaml:"reconnect_base_seconds" validate:"gt=0"`
	ReconnectCapSeconds    int  `json:"reconnect_cap_seconds" yaml:"reconnect_cap_seconds" validate:"gtefield=ReconnectBaseSeconds"`
	HeartbeatSeconds       int  `json:"heartbeat_seconds" yaml:"heartbeat_seconds" validate:"gt=0"`
	DispatchRetryInitialMs int  `json:"dispatch_retry_initial_ms" yaml:"dispatch_retry_initial_ms" validate:"gt=0"`
	DispatchMaxRetries     int  `json:"dispatch_max_retries" yaml:"dispatch_max_retries" validate:"gte=0,lte=10"`
	ReconcileTimeout       int  `json:"reconcile_timeout" yaml:"reconcile_timeout" validate:"gt=0"`
	CaptureHistory         bool `json:"capture_history" yaml:"capture_history"`
	WarmStartFromREST      bool `json:"warm_start_from_rest" yaml:"warm_start_from_rest"`
}

func (e EngineConfig) Cooldown() time.Duration {
	return time.Duration(e.CooldownSeconds) * time.Second
}

func (e EngineConfig) ReconnectBase() time.Duration {
	return time.Duration(e.ReconnectBaseSeconds) * time.Second
}

func (e EngineConfig) ReconnectCap() time.Duration {
	return time.Duration(e.ReconnectCapSeconds) * time.Second
}

func (e EngineConfig) Heartbeat() time.Duration {
	return time.Duration(e.HeartbeatSeconds) * time.Second
}

func (e EngineConfig) DispatchRetryInitial() time.Duration {
	return time.Duration(e.DispatchRetryInitialMs) * time.Millisecond
}

func (e EngineConfig) ReconcileTimeoutDuration() time.Duration {
	return time.Duration(e.ReconcileTimeout) * time.Second
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path" validate:"omitempty,startswith=/"`
}

// CircuitBreakerConfig guards the exchange REST collaborator
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	FailureThreshold int  `json:"failure_threshold" yaml:"failure_threshold" validate:"gte=0"`
	CooldownSeconds  int  `json:"cooldown_seconds" yaml:"cooldown_seconds" validate:"gte=0"`
}

// Default returns the configuration used when no file or env override is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "signals",
			Name:     "signals",
			SSLMode:  "disable",
			MaxConns: 25,
			MinConns: 2,
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			PoolSize:  10,
			CandleTTL: 300,
			KeyPrefix: "signal-engine",
		},
		Vault: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "signal-engine/api-keys",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Output: "stdout",
		},
		Notification: NotificationConfig{
			Telegram: TelegramConfig{APIURL: "https://api.telegram.org"},
			AMQP: AMQPConfig{
				Exchange:   "signals",
				RoutingKey: "signal.generated",
				Queue:      "signals",
			},
		},
		Exchange: ExchangeConfig{
			BinanceWSURL:      "wss://fstream.binance.com",
			BinanceRESTURL:    "https://fapi.binance.com",
			BybitWSURL:        "wss://stream.bybit.com/v5/public/linear",
			RequestsPerSecond: 10,
			Burst:             20,
			RESTTimeout:       15,
		},
		Engine: EngineConfig{
			BufferCapacity:         300,
			CooldownSeconds:        60,
			ReconnectBaseSeconds:   2,
			ReconnectCapSeconds:    60,
			HeartbeatSeconds:       25,
			DispatchRetryInitialMs: 1000,
			DispatchMaxRetries:     3,
			ReconcileTimeout:       8,
			CaptureHistory:         true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			CooldownSeconds:  30,
		},
	}
}

// Load builds the configuration: defaults, then the file at path (JSON or
// YAML by extension, skipped when absent), then .env, then environment
// overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct tags across all sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange API keys are never read from the environment; they are per-user
// and live in Vault.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", cfg.Server.Host)
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Server.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	// Database config
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnvOrDefault("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	// Redis config
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Vault config
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)
	cfg.Vault.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.Vault.TLSEnabled)
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CACERT", cfg.Vault.CACert)

	// Logging config
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
	cfg.Logging.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.Logging.IncludeFile)

	// Notification config
	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.AMQP.Enabled = getEnvBoolOrDefault("AMQP_ENABLED", cfg.Notification.AMQP.Enabled)
	cfg.Notification.AMQP.URL = getEnvOrDefault("AMQP_URL", cfg.Notification.AMQP.URL)

	// Exchange config
	cfg.Exchange.BinanceWSURL = getEnvOrDefault("BINANCE_WS_URL", cfg.Exchange.BinanceWSURL)
	cfg.Exchange.BinanceRESTURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.Exchange.BinanceRESTURL)
	cfg.Exchange.BybitWSURL = getEnvOrDefault("BYBIT_WS_URL", cfg.Exchange.BybitWSURL)
	cfg.Exchange.RequestsPerSecond = getEnvFloatOrDefault("BINANCE_REQUESTS_PER_SECOND", cfg.Exchange.RequestsPerSecond)

	// Engine config
	cfg.Engine.BufferCapacity = getEnvIntOrDefault("ENGINE_BUFFER_CAPACITY", cfg.Engine.BufferCapacity)
	cfg.Engine.CooldownSeconds = getEnvIntOrDefault("ENGINE_COOLDOWN_SECONDS", cfg.Engine.CooldownSeconds)
	cfg.Engine.ReconnectBaseSeconds = getEnvIntOrDefault("ENGINE_RECONNECT_BASE_SECONDS", cfg.Engine.ReconnectBaseSeconds)
	cfg.Engine.ReconnectCapSeconds = getEnvIntOrDefault("ENGINE_RECONNECT_CAP_SECONDS", cfg.Engine.ReconnectCapSeconds)
	cfg.Engine.HeartbeatSeconds = getEnvIntOrDefault("ENGINE_HEARTBEAT_SECONDS", cfg.Engine.HeartbeatSeconds)
	cfg.Engine.ReconcileTimeout = getEnvIntOrDefault("ENGINE_RECONCILE_TIMEOUT", cfg.Engine.ReconcileTimeout)
	cfg.Engine.CaptureHistory = getEnvBoolOrDefault("ENGINE_CAPTURE_HISTORY", cfg.Engine.CaptureHistory)
	cfg.Engine.WarmStartFromREST = getEnvBoolOrDefault("ENGINE_WARM_START_REST", cfg.Engine.WarmStartFromREST)

	// Metrics config
	cfg.Metrics.Enabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.Metrics.Enabled)

	// Circuit breaker config
	cfg.CircuitBreaker.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreaker.Enabled)
	cfg.CircuitBreaker.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", cfg.CircuitBreaker.FailureThreshold)
	cfg.CircuitBreaker.CooldownSeconds = getEnvIntOrDefault("CIRCUIT_COOLDOWN_SECONDS", cfg.CircuitBreaker.CooldownSeconds)
}

// loadFromFile decodes the file over cfg so absent keys keep their defaults.
func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, cfg)
	default:
		err = json.Unmarshal(file, cfg)
	}
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults as a YAML or JSON file.
func GenerateSampleConfig(filename string) error {
	cfg := Default()
	cfg.Notification.Telegram.BotToken = "your_bot_token_here"
	cfg.Notification.Telegram.ChatID = "your_chat_id_here"

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
