package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/circuit-geo/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths" mapstructure:"paths"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Overpass  OverpassConfig  `yaml:"overpass" mapstructure:"overpass"`
	Wikidata  WikidataConfig  `yaml:"wikidata" mapstructure:"wikidata"`
	Wikipedia WikipediaConfig `yaml:"wikipedia" mapstructure:"wikipedia"`
	Resolve   ResolveConfig   `yaml:"resolve" mapstructure:"resolve"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates the files the tool reads and writes.
type PathsConfig struct {
	OutputDir    string `yaml:"output_dir" mapstructure:"output_dir"`
	MappingsFile string `yaml:"mappings_file" mapstructure:"mappings_file"`
	AliasesFile  string `yaml:"aliases_file" mapstructure:"aliases_file"`
}

// HTTPConfig configures the shared HTTP fetcher.
type HTTPConfig struct {
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// OverpassConfig configures the geometry source endpoint pool.
type OverpassConfig struct {
	Endpoints []resilience.Endpoint `yaml:"endpoints" mapstructure:"endpoints"`

	// RequestDelayMs is the minimum gap between two requests to one endpoint.
	RequestDelayMs int `yaml:"request_delay_ms" mapstructure:"request_delay_ms"`
	TimeoutSecs    int `yaml:"timeout_secs" mapstructure:"timeout_secs"`

	// RateLimitCooldownMs delays the call after one whose endpoints all
	// failed with at least one 429.
	RateLimitCooldownMs int `yaml:"rate_limit_cooldown_ms" mapstructure:"rate_limit_cooldown_ms"`

	BreakerThreshold    int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSeconds int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// WikidataConfig configures the knowledge-base client.
type WikidataConfig struct {
	APIURL      string `yaml:"api_url" mapstructure:"api_url"`
	EntityURL   string `yaml:"entity_url" mapstructure:"entity_url"`
	SearchLimit int    `yaml:"search_limit" mapstructure:"search_limit"`
}

// WikipediaConfig configures the encyclopedia client.
type WikipediaConfig struct {
	ListURL string `yaml:"list_url" mapstructure:"list_url"`
}

// ResolveConfig configures the resolution run.
type ResolveConfig struct {
	Concurrency int  `yaml:"concurrency" mapstructure:"concurrency"`
	Refresh     bool `yaml:"refresh" mapstructure:"refresh"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultEndpoints is the public Overpass pool in priority order.
var DefaultEndpoints = []resilience.Endpoint{
	{Name: "overpass-api.de", URL: "https://overpass-api.de/api/interpreter"},
	{Name: "kumi.systems", URL: "https://overpass.kumi.systems/api/interpreter"},
	{Name: "mail.ru", URL: "https://maps.mail.ru/osm/tools/overpass/api/interpreter"},
	{Name: "private.coffee", URL: "https://overpass.private.coffee/api/interpreter"},
	{Name: "osm.jp", URL: "https://overpass.osm.jp/api/interpreter"},
}

// Load reads configuration from an optional .env file, config.yaml and the
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CIRCUITGEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("paths.output_dir", "circuits")
	v.SetDefault("paths.mappings_file", "circuit_mappings.json")
	v.SetDefault("paths.aliases_file", "circuit_aliases.yaml")
	v.SetDefault("http.user_agent", "circuit-geo/1.0 (https://github.com/sells-group/circuit-geo)")
	v.SetDefault("http.timeout_secs", 30)
	v.SetDefault("http.requests_per_sec", 2.0)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("overpass.endpoints", endpointDefaults())
	v.SetDefault("overpass.request_delay_ms", 1000)
	v.SetDefault("overpass.timeout_secs", 60)
	v.SetDefault("overpass.rate_limit_cooldown_ms", 10000)
	v.SetDefault("overpass.breaker_threshold", 3)
	v.SetDefault("overpass.breaker_reset_secs", 120)
	v.SetDefault("wikidata.api_url", "https://www.wikidata.org/w/api.php")
	v.SetDefault("wikidata.entity_url", "https://www.wikidata.org/wiki/Special:EntityData")
	v.SetDefault("wikidata.search_limit", 5)
	v.SetDefault("wikipedia.list_url", "https://en.wikipedia.org/wiki/List_of_Formula_One_circuits")
	v.SetDefault("resolve.concurrency", 1)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "circuit_runs.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func endpointDefaults() []map[string]any {
	out := make([]map[string]any, 0, len(DefaultEndpoints))
	for _, ep := range DefaultEndpoints {
		out = append(out, map[string]any{"name": ep.Name, "url": ep.URL})
	}
	return out
}

// Validate checks the settings a command needs. mode is one of "resolve",
// "cache", "runs" or "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "resolve":
		if c.Paths.OutputDir == "" {
			errs = append(errs, "paths.output_dir is required")
		}
		if len(c.Overpass.Endpoints) == 0 {
			errs = append(errs, "overpass.endpoints must list at least one endpoint")
		}
		for i, ep := range c.Overpass.Endpoints {
			if ep.Name == "" || ep.URL == "" {
				errs = append(errs, fmt.Sprintf("overpass.endpoints[%d] needs name and url", i))
			}
		}
		if c.Wikipedia.ListURL == "" {
			errs = append(errs, "wikipedia.list_url is required")
		}
		if c.Resolve.Concurrency < 1 || c.Resolve.Concurrency > 16 {
			errs = append(errs, "resolve.concurrency must be between 1 and 16")
		}
	case "cache":
	case "runs":
		if c.Store.Driver == "none" {
			errs = append(errs, "store.driver must not be none")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Paths.MappingsFile == "" {
		errs = append(errs, "paths.mappings_file is required")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "none":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, postgres, none", c.Store.Driver))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RetryConfig returns the fetcher's same-host retry settings.
func (c HTTPConfig) RetryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	return cfg
}

// BreakerConfig returns the per-endpoint circuit breaker settings.
func (c OverpassConfig) BreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(c.BreakerThreshold, c.BreakerResetSeconds)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
