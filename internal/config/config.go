package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tvbacktest/internal/plan"
)

// Timeouts bound each kind of server wait.
type Timeouts struct {
	Login     time.Duration `yaml:"login"`
	ChartData time.Duration `yaml:"chart_data"`
	Regular   time.Duration `yaml:"regular"`
	Deep      time.Duration `yaml:"deep"`
}

// Config holds all configuration for the backtest service.
type Config struct {
	// HTTP API
	BindAddr     string
	PortFallback int // extra ports tried above BindAddr's when it is taken
	LogLevel     string
	LogFile      string

	// Streaming endpoint
	Server       string // forced server variant; empty selects by plan
	Endpoint     string // full websocket URL override
	Origin       string
	Language     string
	PineFacade   string
	CDPURL       string // optional browser credential source
	CredsFile    string
	Timeouts     Timeouts
	PlanLimits   map[string]plan.Limits
	OverridesYML string

	// Storage
	ReportDir      string
	FrameLogDir    string // empty disables frame tracing
	FrameMaxBytes  int
	MaxFileSizeMB  int
	BufferSize     int
	RelayFeedsPath string

	// Notifications
	NotifyURL   string
	NotifyTitle string
}

// Overrides is the optional YAML file layered over the environment.
type Overrides struct {
	Timeouts   Timeouts               `yaml:"timeouts"`
	PlanLimits map[string]plan.Limits `yaml:"plan_limits"`
}

// Load reads configuration from environment variables and optional .env file,
// then applies the YAML overrides file when BACKTEST_CONFIG names one.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		BindAddr:     getEnvOrDefault("BACKTEST_BIND_ADDR", "127.0.0.1:8190"),
		PortFallback: getEnvIntOrDefault("BACKTEST_PORT_FALLBACK", 0),
		LogLevel:     strings.ToLower(getEnvOrDefault("BACKTEST_LOG_LEVEL", "info")),
		LogFile:      getEnvOrDefault("BACKTEST_LOG_FILE", "logs/tv_backtest.log"),
		Server:       os.Getenv("TV_SERVER"),
		Endpoint:     os.Getenv("TV_WS_ENDPOINT"),
		Origin:       getEnvOrDefault("TV_ORIGIN", "https://www.tradingview.com"),
		Language:     getEnvOrDefault("TV_LANGUAGE", "en"),
		PineFacade:   getEnvOrDefault("TV_PINE_FACADE_URL", "https://pine-facade.tradingview.com/pine-facade"),
		CDPURL:       os.Getenv("TV_CDP_URL"),
		CredsFile:    os.Getenv("TV_CREDENTIALS_FILE"),
		OverridesYML: os.Getenv("BACKTEST_CONFIG"),
		Timeouts: Timeouts{
			Login:     getEnvDurationOrDefault("BACKTEST_LOGIN_TIMEOUT", 10*time.Second),
			ChartData: getEnvDurationOrDefault("BACKTEST_CHART_TIMEOUT", 15*time.Second),
			Regular:   getEnvDurationOrDefault("BACKTEST_REGULAR_TIMEOUT", 30*time.Second),
			Deep:      getEnvDurationOrDefault("BACKTEST_DEEP_TIMEOUT", 120*time.Second),
		},
		ReportDir:      getEnvOrDefault("BACKTEST_REPORT_DIR", "./reports"),
		FrameLogDir:    os.Getenv("BACKTEST_FRAME_LOG_DIR"),
		FrameMaxBytes:  getEnvIntOrDefault("BACKTEST_FRAME_MAX_BYTES", 256*1024),
		MaxFileSizeMB:  getEnvIntOrDefault("BACKTEST_MAX_FILE_SIZE_MB", 200),
		BufferSize:     getEnvIntOrDefault("BACKTEST_BUFFER_SIZE", 5000),
		RelayFeedsPath: os.Getenv("BACKTEST_RELAY_FEEDS"),
		NotifyURL:      os.Getenv("BACKTEST_NOTIFY_URL"),
		NotifyTitle:    getEnvOrDefault("BACKTEST_NOTIFY_TITLE", "tv_backtest"),
	}

	if cfg.OverridesYML != "" {
		ov, err := LoadOverrides(cfg.OverridesYML)
		if err != nil {
			return nil, err
		}
		cfg.Apply(ov)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOverrides reads a YAML overrides file.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config overrides: %w", err)
	}
	var ov Overrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("config overrides: %w", err)
	}
	return &ov, nil
}

// Apply layers non-zero override values over c.
func (c *Config) Apply(ov *Overrides) {
	if ov == nil {
		return
	}
	if ov.Timeouts.Login > 0 {
		c.Timeouts.Login = ov.Timeouts.Login
	}
	if ov.Timeouts.ChartData > 0 {
		c.Timeouts.ChartData = ov.Timeouts.ChartData
	}
	if ov.Timeouts.Regular > 0 {
		c.Timeouts.Regular = ov.Timeouts.Regular
	}
	if ov.Timeouts.Deep > 0 {
		c.Timeouts.Deep = ov.Timeouts.Deep
	}
	if len(ov.PlanLimits) > 0 {
		if c.PlanLimits == nil {
			c.PlanLimits = make(map[string]plan.Limits, len(ov.PlanLimits))
		}
		for tier, l := range ov.PlanLimits {
			c.PlanLimits[plan.Normalize(tier)] = l
		}
	}
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Server {
	case "", plan.ServerData, plan.ServerProData, plan.ServerHistoryData:
	default:
		return fmt.Errorf("config: unknown TV_SERVER %q", c.Server)
	}
	for name, d := range map[string]time.Duration{
		"login":      c.Timeouts.Login,
		"chart_data": c.Timeouts.ChartData,
		"regular":    c.Timeouts.Regular,
		"deep":       c.Timeouts.Deep,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s timeout must be positive", name)
		}
	}
	for tier, l := range c.PlanLimits {
		if l.MaxRegularBars <= 0 || l.MaxStudies <= 0 {
			return fmt.Errorf("config: plan_limits.%s must set positive max_regular_bars and max_studies", tier)
		}
	}
	if c.ReportDir == "" {
		return fmt.Errorf("config: BACKTEST_REPORT_DIR is empty")
	}
	if c.PortFallback < 0 {
		return fmt.Errorf("config: BACKTEST_PORT_FALLBACK must not be negative")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
