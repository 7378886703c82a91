package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Browser  BrowserConfig  `yaml:"browser"`
	Scraper  ScraperConfig  `yaml:"scraper"`
	Input    InputConfig    `yaml:"input"`
	Output   OutputConfig   `yaml:"output"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type SiteConfig struct {
	BaseWeb        string `yaml:"base_web"`
	APIHost        string `yaml:"api_host"`
	SiteID         string `yaml:"site_id"`
	Prefix         string `yaml:"prefix"`
	Currency       string `yaml:"currency"`
	Language       string `yaml:"language"`
	AcceptLanguage string `yaml:"accept_language"`
	UserAgent      string `yaml:"user_agent"`
	PageSize       int    `yaml:"page_size"`
}

type BrowserConfig struct {
	Headless       bool          `yaml:"headless"`
	Install        bool          `yaml:"install"`
	Warmup         bool          `yaml:"warmup"`
	BrowsersPath   string        `yaml:"browsers_path"`
	UserDataDir    string        `yaml:"user_data_dir"`
	ExecutablePath string        `yaml:"executable_path"`
	ProxyServer    string        `yaml:"proxy_server"`
	Timeout        time.Duration `yaml:"timeout"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	Locale         string        `yaml:"locale"`
	TimezoneID     string        `yaml:"timezone_id"`
}

type ScraperConfig struct {
	// Transport is "playwright" or "http".
	Transport       string        `yaml:"transport"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	DeleteTimeout   time.Duration `yaml:"delete_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	PriceRetryDelay time.Duration `yaml:"price_retry_delay"`
	ItemDelayMin    time.Duration `yaml:"item_delay_min"`
	ItemDelayMax    time.Duration `yaml:"item_delay_max"`
}

type InputConfig struct {
	Path string `yaml:"path"`
}

type OutputConfig struct {
	Path       string   `yaml:"path"`
	Formats    []string `yaml:"formats"`
	XLSXPath   string   `yaml:"xlsx_path"`
	SQLitePath string   `yaml:"sqlite_path"`
	JSONPath   string   `yaml:"json_path"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	TransportPlaywright = "playwright"
	TransportHTTP       = "http"
)

var knownFormats = map[string]bool{
	"csv":      true,
	"xlsx":     true,
	"sqlite":   true,
	"json":     true,
	"postgres": true,
}

func Default() *Config {
	return &Config{
		Site: SiteConfig{
			BaseWeb:        "https://www.farmaciasanpablo.com.mx",
			APIHost:        "https://api.farmaciasanpablo.com.mx",
			SiteID:         "fsp",
			Prefix:         "/rest/v2",
			Currency:       "MXN",
			Language:       "es_MX",
			AcceptLanguage: "es-MX,es;q=0.9",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			PageSize:       24,
		},
		Browser: BrowserConfig{
			Headless:       true,
			Install:        true,
			BrowsersPath:   "/tmp/playwright",
			UserDataDir:    "/tmp/user_data_cart",
			Timeout:        30 * time.Second,
			ViewportWidth:  1280,
			ViewportHeight: 800,
			Locale:         "es-MX",
			TimezoneID:     "America/Mexico_City",
		},
		Scraper: ScraperConfig{
			Transport:       TransportPlaywright,
			RequestTimeout:  15 * time.Second,
			DeleteTimeout:   10 * time.Second,
			SettleDelay:     200 * time.Millisecond,
			PriceRetryDelay: 400 * time.Millisecond,
		},
		Input: InputConfig{
			Path: "upc_list.json",
		},
		Output: OutputConfig{
			Path:    "/tmp/salida_san_pablo.csv",
			Formats: []string{"csv"},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Name:     "fsp_prices",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, the optional YAML file at path, a .env file in the
// working directory and finally the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg.applyEnv()

	if DebugEnabled() {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Site.BaseWeb = getEnvOrDefault("FSP_BASE_WEB", c.Site.BaseWeb)
	c.Site.APIHost = getEnvOrDefault("FSP_API_HOST", c.Site.APIHost)
	c.Site.SiteID = getEnvOrDefault("FSP_SITE_ID", c.Site.SiteID)
	c.Site.UserAgent = getEnvOrDefault("FSP_USER_AGENT", c.Site.UserAgent)

	c.Browser.Headless = getBoolOrDefault("BROWSER_HEADLESS", c.Browser.Headless)
	c.Browser.Install = getBoolOrDefault("BROWSER_INSTALL", c.Browser.Install)
	c.Browser.Warmup = getBoolOrDefault("BROWSER_WARMUP", c.Browser.Warmup)
	c.Browser.BrowsersPath = getEnvOrDefault("PLAYWRIGHT_BROWSERS_PATH", c.Browser.BrowsersPath)
	c.Browser.UserDataDir = getEnvOrDefault("BROWSER_USER_DATA_DIR", c.Browser.UserDataDir)
	c.Browser.ExecutablePath = getEnvOrDefault("BROWSER_EXECUTABLE_PATH", c.Browser.ExecutablePath)
	c.Browser.ProxyServer = getEnvOrDefault("BROWSER_PROXY", c.Browser.ProxyServer)
	c.Browser.Timeout = getDurationOrDefault("BROWSER_TIMEOUT", c.Browser.Timeout)
	c.Browser.TimezoneID = getEnvOrDefault("BROWSER_TIMEZONE", c.Browser.TimezoneID)
	c.Browser.Locale = getEnvOrDefault("BROWSER_LOCALE", c.Browser.Locale)

	c.Scraper.Transport = getEnvOrDefault("SCRAPER_TRANSPORT", c.Scraper.Transport)
	c.Scraper.RequestTimeout = getDurationOrDefault("SCRAPER_REQUEST_TIMEOUT", c.Scraper.RequestTimeout)
	c.Scraper.DeleteTimeout = getDurationOrDefault("SCRAPER_DELETE_TIMEOUT", c.Scraper.DeleteTimeout)
	c.Scraper.SettleDelay = getDurationOrDefault("SCRAPER_SETTLE_DELAY", c.Scraper.SettleDelay)
	c.Scraper.PriceRetryDelay = getDurationOrDefault("SCRAPER_PRICE_RETRY_DELAY", c.Scraper.PriceRetryDelay)
	c.Scraper.ItemDelayMin = getDurationOrDefault("SCRAPER_RATE_LIMIT_MIN", c.Scraper.ItemDelayMin)
	c.Scraper.ItemDelayMax = getDurationOrDefault("SCRAPER_RATE_LIMIT_MAX", c.Scraper.ItemDelayMax)

	c.Input.Path = getEnvOrDefault("UPC_INPUT", c.Input.Path)
	c.Output.Path = getEnvOrDefault("OUTPUT_PATH", c.Output.Path)
	c.Output.Formats = getStringSliceOrDefault("OUTPUT_FORMATS", c.Output.Formats)
	c.Output.XLSXPath = getEnvOrDefault("OUTPUT_XLSX_PATH", c.Output.XLSXPath)
	c.Output.SQLitePath = getEnvOrDefault("OUTPUT_SQLITE_PATH", c.Output.SQLitePath)
	c.Output.JSONPath = getEnvOrDefault("OUTPUT_JSON_PATH", c.Output.JSONPath)

	c.Database.Enabled = getBoolOrDefault("DB_ENABLED", c.Database.Enabled)
	c.Database.Host = getEnvOrDefault("DB_HOST", c.Database.Host)
	c.Database.Port = getIntOrDefault("DB_PORT", c.Database.Port)
	c.Database.User = getEnvOrDefault("DB_USER", c.Database.User)
	c.Database.Password = getEnvOrDefault("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnvOrDefault("DB_NAME", c.Database.Name)
	c.Database.MaxConns = int32(getIntOrDefault("DB_MAX_CONNS", int(c.Database.MaxConns)))

	c.Redis.Enabled = getBoolOrDefault("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntOrDefault("REDIS_DB", c.Redis.DB)

	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getIntOrDefault("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getDurationOrDefault("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationOrDefault("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) Validate() error {
	if c.Site.APIHost == "" || c.Site.SiteID == "" {
		return fmt.Errorf("site api host and site id are required")
	}

	switch c.Scraper.Transport {
	case TransportPlaywright, TransportHTTP:
	default:
		return fmt.Errorf("unknown scraper transport: %q", c.Scraper.Transport)
	}

	if c.Scraper.ItemDelayMin > c.Scraper.ItemDelayMax && c.Scraper.ItemDelayMax != 0 {
		return fmt.Errorf("SCRAPER_RATE_LIMIT_MIN cannot be greater than SCRAPER_RATE_LIMIT_MAX")
	}

	if c.Scraper.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	for _, f := range c.Output.Formats {
		if !knownFormats[strings.ToLower(f)] {
			return fmt.Errorf("unknown output format: %q", f)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// HasFormat reports whether the named output format is enabled.
func (c *Config) HasFormat(name string) bool {
	for _, f := range c.Output.Formats {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// Location resolves the browser timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Browser.TimezoneID)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DebugEnabled reports whether SCRAPER_DEBUG asks for verbose logging.
func DebugEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("SCRAPER_DEBUG"))) {
	case "1", "true", "yes", "on", "debug":
		return true
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return defaultValue
}
