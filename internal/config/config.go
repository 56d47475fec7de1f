package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"gold-price-alerts/internal/logging"
	"gold-price-alerts/internal/pricing"
	"gold-price-alerts/internal/scheduler"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Pricing   pricing.Offsets `mapstructure:"pricing"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Message   MessageConfig   `mapstructure:"message"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig governs when acquisition cycles may run.
type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	StartTime        string        `mapstructure:"start_time"`
	EndTime          string        `mapstructure:"end_time"`
	TimeZone         string        `mapstructure:"timezone"`
	IntervalMinutes  int           `mapstructure:"interval_minutes"`
	AlignToInterval  bool          `mapstructure:"align_to_interval"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	MisfireTolerance time.Duration `mapstructure:"misfire_tolerance"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
}

// ScraperConfig describes the price page and the stabilization loop.
type ScraperConfig struct {
	URL               string            `mapstructure:"url"`
	Headless          bool              `mapstructure:"headless"`
	UserAgent         string            `mapstructure:"user_agent"`
	ExecPath          string            `mapstructure:"exec_path"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Interval          time.Duration     `mapstructure:"interval"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout"`
	ReadTimeout       time.Duration     `mapstructure:"read_timeout"`
	Selectors         map[string]string `mapstructure:"selectors"`
}

// StorageConfig selects the history backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	Retention int    `mapstructure:"retention"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// TelegramConfig 描述 Telegram 推送与命令参数。
type TelegramConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Token           string        `mapstructure:"token"`
	ChannelID       string        `mapstructure:"channel_id"`
	AdminIDs        []int64       `mapstructure:"admin_ids"`
	ProxyURL        string        `mapstructure:"proxy_url"`
	APIBase         string        `mapstructure:"api_base"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	CommandsEnabled bool          `mapstructure:"commands_enabled"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
}

// MessageConfig controls how notifications render timestamps.
type MessageConfig struct {
	Calendar string `mapstructure:"calendar"`
	TimeZone string `mapstructure:"timezone"`
}

// MetricsConfig exposes the Prometheus endpoint; an empty address disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// legacyEnv maps config keys to the variable names used by the first
// deployment, which read a flat .env file.
var legacyEnv = map[string]string{
	"telegram.token":             "TELEGRAM_TOKEN",
	"telegram.channel_id":        "TELEGRAM_CHANNEL_ID",
	"telegram.admin_ids":         "ADMIN_CHAT_IDS",
	"telegram.proxy_url":         "TELEGRAM_PROXY_URL",
	"scheduler.enabled":          "SCHEDULER_ENABLED",
	"scheduler.interval_minutes": "SCHEDULER_INTERVAL_MINUTES",
	"scheduler.start_time":       "SCHEDULER_START_TIME",
	"scheduler.end_time":         "SCHEDULER_END_TIME",
	"scheduler.timezone":         "SCHEDULER_TIME_ZONE",
	"scraper.timeout":            "ZARBAHA_TIMEOUT",
	"scraper.interval":           "ZARBAHA_INTERVAL",
	"pricing.buy_offset":         "ZARBAHA_BUY_PRICE_RATE",
	"pricing.sell_offset":        "ZARBAHA_SELL_PRICE_RATE",
}

const envPrefix = "GOLDWATCHER"

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// A token alone turns delivery on, matching the legacy .env files.
	if !v.IsSet("telegram.enabled") && cfg.Telegram.Token != "" {
		cfg.Telegram.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads .env (or GOLDWATCHER_ENV_FILE) without overriding
// variables that are already set.
func loadDotEnv() error {
	file := os.Getenv(envPrefix + "_ENV_FILE")
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", legacy, err)
		}
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "goldwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.start_time", "11:00")
	v.SetDefault("scheduler.end_time", "20:30")
	v.SetDefault("scheduler.timezone", "Asia/Tehran")
	v.SetDefault("scheduler.interval_minutes", 5)
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.misfire_tolerance", "30s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x676f6c64))

	v.SetDefault("scraper.url", "https://zarbaha-co.ir/")
	v.SetDefault("scraper.headless", true)
	v.SetDefault("scraper.timeout", "20s")
	v.SetDefault("scraper.interval", "1s")
	v.SetDefault("scraper.navigation_timeout", "30s")
	v.SetDefault("scraper.read_timeout", "5s")
	v.SetDefault("scraper.selectors", map[string]string{
		"estimate": "._g_m",
		"buy":      "._g_k",
		"sell":     "._g_g",
	})

	v.SetDefault("pricing.buy_offset", int64(50000))
	v.SetDefault("pricing.sell_offset", int64(130000))

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", "db/gold_prices.json")
	v.SetDefault("storage.retention", 3)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "10s")
	v.SetDefault("telegram.commands_enabled", true)
	v.SetDefault("telegram.poll_timeout", "30s")

	v.SetDefault("message.calendar", "jalali")

	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			secondsOrDurationHook(),
			commaListHook(),
		)
	}
}

// secondsOrDurationHook accepts "20s"-style durations and bare numbers of
// seconds, which is how the legacy ZARBAHA_* variables were written.
func secondsOrDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// commaListHook splits "a, b," into a slice, trimming blanks and dropping
// empty items.
func commaListHook() mapstructure.DecodeHookFuncKind {
	return func(from reflect.Kind, to reflect.Kind, data interface{}) (interface{}, error) {
		if from != reflect.String || to != reflect.Slice {
			return data, nil
		}
		parts := strings.Split(reflect.ValueOf(data).String(), ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if _, err := c.Window(); err != nil {
		return err
	}
	if c.Scraper.URL == "" {
		return fmt.Errorf("scraper.url is required")
	}
	if c.Scraper.Selectors["estimate"] == "" {
		return fmt.Errorf("scraper.selectors.estimate is required")
	}
	if c.Scraper.Timeout < 0 || c.Scraper.Interval < 0 {
		return fmt.Errorf("scraper.timeout and scraper.interval cannot be negative")
	}
	if c.Pricing.Buy < 0 || c.Pricing.Sell < 0 {
		return fmt.Errorf("pricing offsets cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention cannot be negative (0 keeps everything)")
	}
	if _, err := c.MessageLocation(); err != nil {
		return err
	}
	switch strings.ToLower(c.Message.Calendar) {
	case "", "jalali", "gregorian":
	default:
		return fmt.Errorf("message.calendar must be jalali or gregorian, got %q", c.Message.Calendar)
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram.token 必须配置")
		}
		if c.Telegram.ChannelID == "" {
			return fmt.Errorf("telegram.channel_id 必须配置")
		}
	}
	return nil
}

// Window converts the scheduler section into a validated scheduler window.
func (c *Config) Window() (scheduler.Window, error) {
	sc := c.Scheduler
	if sc.IntervalMinutes <= 0 {
		return scheduler.Window{}, fmt.Errorf("scheduler.interval_minutes must be greater than zero")
	}
	start, err := scheduler.ParseTimeOfDay(sc.StartTime)
	if err != nil {
		return scheduler.Window{}, fmt.Errorf("scheduler.start_time: %w", err)
	}
	end, err := scheduler.ParseTimeOfDay(sc.EndTime)
	if err != nil {
		return scheduler.Window{}, fmt.Errorf("scheduler.end_time: %w", err)
	}
	loc, err := time.LoadLocation(sc.TimeZone)
	if err != nil {
		return scheduler.Window{}, fmt.Errorf("scheduler.timezone: %w", err)
	}

	w := scheduler.Window{
		Enabled:  sc.Enabled,
		Start:    start,
		End:      end,
		Location: loc,
		Interval: time.Duration(sc.IntervalMinutes) * time.Minute,
	}
	if err := w.Validate(); err != nil {
		return scheduler.Window{}, err
	}
	return w, nil
}

// MessageLocation is the zone used for notification timestamps; it
// defaults to the scheduler's zone.
func (c *Config) MessageLocation() (*time.Location, error) {
	name := c.Message.TimeZone
	if name == "" {
		name = c.Scheduler.TimeZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("message.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
