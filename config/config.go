package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"polymarket-copytrader/utils"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// APIConfig points at the Polymarket endpoints.
type APIConfig struct {
	ClobURL        string        `yaml:"clob_url"`
	DataURL        string        `yaml:"data_url"`
	GammaURL       string        `yaml:"gamma_url"`
	ChainID        int64         `yaml:"chain_id"`
	SignatureType  int           `yaml:"signature_type"` // 0=EOA, 1=Magic/Email, 2=Browser proxy
	TradePageSize  int           `yaml:"trade_page_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LiveConfig controls the continuous copy loop.
type LiveConfig struct {
	PollInterval  time.Duration     `yaml:"poll_interval"`
	SubmitTimeout time.Duration     `yaml:"submit_timeout"`
	Retry         utils.RetryPolicy `yaml:"retry"`
}

// StorageConfig selects and configures the account store.
type StorageConfig struct {
	Driver      string        `yaml:"driver"` // sqlite or postgres
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
}

// StatusConfig controls the read-only HTTP status server.
type StatusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// DefaultsConfig are the risk values used when CLI flags are omitted.
type DefaultsConfig struct {
	CopyPercentage float64 `yaml:"copy_percentage"`
	MaxTradeSize   float64 `yaml:"max_trade_size"`
	Budget         float64 `yaml:"budget"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Live     LiveConfig     `yaml:"live"`
	Storage  StorageConfig  `yaml:"storage"`
	Status   StatusConfig   `yaml:"status"`
	Defaults DefaultsConfig `yaml:"defaults"`
	LogLevel string         `yaml:"log_level"`

	// BotSecret is only ever read from the environment.
	BotSecret string `yaml:"-"`
}

// Load reads configuration from disk, falling back to defaults, then applies
// environment overrides. A .env file in the working directory is honored.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = os.Getenv("COPYTRADER_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		API: APIConfig{
			ClobURL:        "https://clob.polymarket.com",
			DataURL:        "https://data-api.polymarket.com",
			GammaURL:       "https://gamma-api.polymarket.com",
			ChainID:        137,
			SignatureType:  0,
			TradePageSize:  50,
			RequestTimeout: 30 * time.Second,
		},
		Live: LiveConfig{
			PollInterval:  10 * time.Second,
			SubmitTimeout: 30 * time.Second,
			Retry:         utils.DefaultRetryPolicy(),
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "copytrade.db",
			RedisTTL:   24 * time.Hour,
		},
		Status: StatusConfig{
			Enabled: true,
			Port:    8090,
		},
		Defaults: DefaultsConfig{
			CopyPercentage: 0.25,
			MaxTradeSize:   10,
			Budget:         100,
		},
		LogLevel: "INFO",
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.API.ClobURL == "" {
		c.API.ClobURL = def.API.ClobURL
	}
	if c.API.DataURL == "" {
		c.API.DataURL = def.API.DataURL
	}
	if c.API.GammaURL == "" {
		c.API.GammaURL = def.API.GammaURL
	}
	if c.API.ChainID == 0 {
		c.API.ChainID = def.API.ChainID
	}
	if c.API.TradePageSize == 0 {
		c.API.TradePageSize = def.API.TradePageSize
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = def.API.RequestTimeout
	}

	if c.Live.PollInterval == 0 {
		c.Live.PollInterval = def.Live.PollInterval
	}
	if c.Live.SubmitTimeout == 0 {
		c.Live.SubmitTimeout = def.Live.SubmitTimeout
	}
	if c.Live.Retry.Attempts == 0 {
		c.Live.Retry.Attempts = def.Live.Retry.Attempts
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = def.Storage.SQLitePath
	}
	if c.Storage.RedisTTL == 0 {
		c.Storage.RedisTTL = def.Storage.RedisTTL
	}

	if c.Status.Port == 0 {
		c.Status.Port = def.Status.Port
	}

	// Risk defaults are seeded by Default() before the file is decoded, so an
	// explicit zero in the file is kept and left to Validate.
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// applyEnv lets the environment override file values. Secrets and DSNs
// are expected to arrive this way.
func (c *Config) applyEnv() {
	c.BotSecret = os.Getenv("BOT_SECRET")

	c.API.ClobURL = getEnv("POLYMARKET_CLOB_URL", c.API.ClobURL)
	c.API.DataURL = getEnv("POLYMARKET_DATA_URL", c.API.DataURL)
	c.API.GammaURL = getEnv("POLYMARKET_GAMMA_URL", c.API.GammaURL)
	c.API.SignatureType = getEnvInt("POLYMARKET_SIGNATURE_TYPE", c.API.SignatureType)

	c.Live.PollInterval = getEnvDuration("POLL_INTERVAL", c.Live.PollInterval)

	c.Storage.Driver = strings.ToLower(getEnv("DB_DRIVER", c.Storage.Driver))
	c.Storage.SQLitePath = getEnv("DB_PATH", c.Storage.SQLitePath)
	c.Storage.PostgresDSN = getEnv("POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.RedisAddr = getEnv("REDIS_ADDR", c.Storage.RedisAddr)

	c.Status.Enabled = getEnvBool("STATUS_ENABLED", c.Status.Enabled)
	c.Status.Port = getEnvInt("STATUS_PORT", c.Status.Port)
	c.Status.Username = os.Getenv("STATUS_USERNAME")
	c.Status.Password = os.Getenv("STATUS_PASSWORD")

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.API.TradePageSize < 1 || c.API.TradePageSize > 500 {
		return fmt.Errorf("api.trade_page_size must be between 1 and 500")
	}
	if c.Live.PollInterval <= 0 {
		return fmt.Errorf("live.poll_interval must be positive")
	}
	if c.Live.Retry.Attempts < 1 {
		return fmt.Errorf("live.retry.attempts must be at least 1")
	}
	if c.Live.Retry.Delay < 0 {
		return fmt.Errorf("live.retry.delay must not be negative")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}

	if c.Status.Port < 1 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 1 and 65535")
	}
	if c.Defaults.CopyPercentage <= 0 || c.Defaults.CopyPercentage > 1 {
		return fmt.Errorf("defaults.copy_percentage must be in (0, 1]")
	}
	if c.Defaults.MaxTradeSize <= 0 {
		return fmt.Errorf("defaults.max_trade_size must be positive")
	}
	if c.Defaults.Budget < 0 {
		return fmt.Errorf("defaults.budget must not be negative")
	}
	return nil
}

// MaskedSecret returns the bot secret with most characters hidden for logging.
func (c *Config) MaskedSecret() string {
	return maskSecret(c.BotSecret)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
