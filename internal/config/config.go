package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration. Values come from Default(),
// then an optional YAML file, then environment variables.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogDir      string `yaml:"log_dir"`

	Risk          RiskConfig          `yaml:"risk"`
	Trading       TradingConfig       `yaml:"trading"`
	Cache         CacheConfig         `yaml:"cache"`
	Signals       SignalConfig        `yaml:"signals"`
	Storage       StorageConfig       `yaml:"storage"`
	API           APIConfig           `yaml:"api"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// RiskConfig holds loss limits, breaker policy and exit rules.
type RiskConfig struct {
	MaxDailyLoss              float64       `yaml:"max_daily_loss"`               // Breaker trips when realized daily loss reaches this (USD)
	DailyLossWarning          float64       `yaml:"daily_loss_warning"`           // Leverage halves once daily PnL is below -this
	MaxConsecutiveFailures    int           `yaml:"max_consecutive_failures"`     // Breaker trips after this many failed trades in a row
	HalfOpenSuccessThreshold  int           `yaml:"half_open_success_threshold"`  // Successful trials needed to close the breaker
	HalfOpenMaxTrials         int           `yaml:"half_open_max_trials"`         // Concurrent trial positions while half-open
	DailyResetReopensAutoTrip bool          `yaml:"daily_reset_reopens_auto_trip"` // Day boundary closes a breaker that tripped on its own
	DayBoundaryTimezone       string        `yaml:"day_boundary_timezone"`        // IANA zone for the daily reset
	ResetTokenHash            string        `yaml:"reset_token_hash"`             // bcrypt hash of the manual reset credential
	VolatilityThreshold       float64       `yaml:"volatility_threshold"`         // Leverage dampener bottoms out here
	CalmVolatility            float64       `yaml:"calm_volatility"`              // No dampening at or below this
	DefaultVolatility         float64       `yaml:"default_volatility"`           // Used until a token has price history
	LiquidationBuffer         float64       `yaml:"liquidation_buffer"`           // Force-close distance to liquidation
	MinLiquidationDistance    float64       `yaml:"min_liquidation_distance"`     // Required distance at entry; caps leverage
	MaxPositionDuration       time.Duration `yaml:"max_position_duration"`
	StopLossPercent           float64       `yaml:"stop_loss_percent"` // ROE loss that closes a position
	TrailingStop              bool          `yaml:"trailing_stop"`
	TrailingDistance          float64       `yaml:"trailing_distance"`
	TakeProfitPercent         float64       `yaml:"take_profit_percent"`
	PartialTakeProfit         bool          `yaml:"partial_take_profit"`
	PartialPercent            float64       `yaml:"partial_percent"` // Share of size closed at the first level
	PartialLevel              float64       `yaml:"partial_level"`   // ROE that triggers the partial close
	SuccessWindow             int           `yaml:"success_window"`  // Closed trades used for the trailing win rate
}

// TierLeverage is the base leverage per confidence tier.
type TierLeverage struct {
	Low     uint8 `yaml:"low"`
	Medium  uint8 `yaml:"medium"`
	High    uint8 `yaml:"high"`
	Extreme uint8 `yaml:"extreme"`
}

// Phase sets the max position fraction for balances up to MaxBalance.
// A zero MaxBalance matches any balance.
type Phase struct {
	Name       string  `yaml:"name"`
	MaxBalance float64 `yaml:"max_balance"`
	Fraction   float64 `yaml:"fraction"`
}

// TradingConfig holds sizing and position limits.
type TradingConfig struct {
	InitialBalance         float64            `yaml:"initial_balance"`
	MinLeverage            uint8              `yaml:"min_leverage"`
	MaxLeverage            uint8              `yaml:"max_leverage"`
	TierLeverage           TierLeverage       `yaml:"tier_leverage"`
	ConfidenceFactors      map[string]float64 `yaml:"confidence_factors"`
	Phases                 []Phase            `yaml:"phases"`
	MaxPositionFraction    float64            `yaml:"max_position_fraction"` // Hard ceiling, never above 0.5
	MinPositionSize        float64            `yaml:"min_position_size"`
	MaxConcurrentPositions int                `yaml:"max_concurrent_positions"`
	ExecutionTimeout       time.Duration      `yaml:"execution_timeout"`
	MonitorInterval        time.Duration      `yaml:"monitor_interval"`
	OrderTTL               time.Duration      `yaml:"order_ttl"`
	PaperTrading           bool               `yaml:"paper_trading"`
}

// CacheConfig configures the decision cache.
type CacheConfig struct {
	TTL                 time.Duration `yaml:"ttl"`
	MaxEntries          int           `yaml:"max_entries"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	PriceBucketDecimals int           `yaml:"price_bucket_decimals"`
	RedisMirror         bool          `yaml:"redis_mirror"`
}

// SignalConfig configures validation and ingest limits.
type SignalConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`
	MaxClockSkew    time.Duration `yaml:"max_clock_skew"`
	AllowZeroVolume bool          `yaml:"allow_zero_volume"`
	PerSourceRate   float64       `yaml:"per_source_rate"` // signals per second per source, 0 disables
	PerSourceBurst  int           `yaml:"per_source_burst"`
}

// StorageConfig configures durable state.
type StorageConfig struct {
	StateDir       string        `yaml:"state_dir"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	QueueSize      int           `yaml:"queue_size"`
}

// APIConfig configures the admin HTTP surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// NotificationsConfig configures alert sinks.
type NotificationsConfig struct {
	TelegramToken  string        `yaml:"telegram_token"`
	TelegramChatID string        `yaml:"telegram_chat_id"`
	MinLevel       string        `yaml:"min_level"`
	RateLimit      time.Duration `yaml:"rate_limit"` // minimum gap between Telegram messages
	BufferSize     int           `yaml:"buffer_size"`
}

// Load reads envFile (if present), the YAML file named by CONFIG_FILE or
// configFile, then environment overrides, and validates the result.
func Load(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	cfg := Default()

	if path := getEnv("CONFIG_FILE", configFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENV", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogDir = getEnv("LOG_DIR", c.LogDir)

	c.Risk.MaxDailyLoss = getEnvFloat("MAX_DAILY_LOSS", c.Risk.MaxDailyLoss)
	c.Risk.DailyLossWarning = getEnvFloat("DAILY_LOSS_WARNING", c.Risk.DailyLossWarning)
	c.Risk.MaxConsecutiveFailures = getEnvInt("MAX_CONSECUTIVE_FAILURES", c.Risk.MaxConsecutiveFailures)
	c.Risk.HalfOpenSuccessThreshold = getEnvInt("HALF_OPEN_SUCCESS_THRESHOLD", c.Risk.HalfOpenSuccessThreshold)
	c.Risk.DailyResetReopensAutoTrip = getEnvBool("DAILY_RESET_REOPENS_AUTO_TRIP", c.Risk.DailyResetReopensAutoTrip)
	c.Risk.DayBoundaryTimezone = getEnv("DAY_BOUNDARY_TZ", c.Risk.DayBoundaryTimezone)
	c.Risk.ResetTokenHash = getEnv("RESET_TOKEN_HASH", c.Risk.ResetTokenHash)
	c.Risk.VolatilityThreshold = getEnvFloat("MAX_PORTFOLIO_VOLATILITY", c.Risk.VolatilityThreshold)
	c.Risk.LiquidationBuffer = getEnvFloat("LIQUIDATION_BUFFER", c.Risk.LiquidationBuffer)
	c.Risk.MinLiquidationDistance = getEnvFloat("MIN_LIQUIDATION_DISTANCE", c.Risk.MinLiquidationDistance)
	c.Risk.MaxPositionDuration = getEnvDuration("MAX_POSITION_DURATION", c.Risk.MaxPositionDuration)
	c.Risk.StopLossPercent = getEnvFloat("STOP_LOSS_PERCENT", c.Risk.StopLossPercent)
	c.Risk.TakeProfitPercent = getEnvFloat("TAKE_PROFIT_PERCENT", c.Risk.TakeProfitPercent)
	c.Risk.TrailingStop = getEnvBool("TRAILING_STOP", c.Risk.TrailingStop)

	c.Trading.InitialBalance = getEnvFloat("INITIAL_BALANCE", c.Trading.InitialBalance)
	c.Trading.MaxConcurrentPositions = getEnvInt("MAX_CONCURRENT_POSITIONS", c.Trading.MaxConcurrentPositions)
	c.Trading.MinPositionSize = getEnvFloat("MIN_POSITION_SIZE", c.Trading.MinPositionSize)
	c.Trading.MonitorInterval = getEnvDuration("POSITION_CHECK_INTERVAL", c.Trading.MonitorInterval)
	c.Trading.ExecutionTimeout = getEnvDuration("EXECUTION_TIMEOUT", c.Trading.ExecutionTimeout)
	c.Trading.PaperTrading = getEnvBool("PAPER_TRADING", c.Trading.PaperTrading)

	c.Cache.TTL = getEnvDuration("DECISION_CACHE_TTL", c.Cache.TTL)
	c.Cache.MaxEntries = getEnvInt("DECISION_CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.RedisMirror = getEnvBool("DECISION_CACHE_REDIS_MIRROR", c.Cache.RedisMirror)

	c.Signals.MaxAge = getEnvDuration("SIGNAL_MAX_AGE", c.Signals.MaxAge)
	c.Signals.PerSourceRate = getEnvFloat("SIGNAL_RATE_PER_SOURCE", c.Signals.PerSourceRate)

	c.Storage.StateDir = getEnv("STATE_DIR", c.Storage.StateDir)
	c.Storage.PostgresDSN = getEnv("DATABASE_URL", c.Storage.PostgresDSN)
	c.Storage.RedisAddr = getEnv("REDIS_ADDR", c.Storage.RedisAddr)
	c.Storage.RedisPassword = getEnv("REDIS_PASSWORD", c.Storage.RedisPassword)
	c.Storage.RedisDB = getEnvInt("REDIS_DB", c.Storage.RedisDB)

	c.API.ListenAddr = getEnv("API_LISTEN_ADDR", c.API.ListenAddr)

	c.Notifications.TelegramToken = getEnv("TELEGRAM_TOKEN", c.Notifications.TelegramToken)
	c.Notifications.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notifications.TelegramChatID)
	c.Notifications.MinLevel = getEnv("ALERT_MIN_LEVEL", c.Notifications.MinLevel)
}

// Location resolves the day boundary timezone, falling back to UTC.
func (r RiskConfig) Location() *time.Location {
	if r.DayBoundaryTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.DayBoundaryTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsProduction reports whether the engine runs against real capital.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
