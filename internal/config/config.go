// Package config loads billsync configuration from defaults, an optional YAML
// file and BILLSYNC_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ErrFatalConfig marks configuration problems that must abort the process.
var ErrFatalConfig = errors.New("fatal configuration error")

const (
	envPrefix     = "BILLSYNC_"
	configPathEnv = "BILLSYNC_CONFIG"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig       `koanf:"database"`
	Remote     RemoteConfig         `koanf:"remote"`
	Sync       SyncConfig           `koanf:"sync"`
	Enrichment EnrichmentConfig     `koanf:"enrichment"`
	Server     ServerConfig         `koanf:"server"`
	Logging    LoggingConfig        `koanf:"logging"`
	Statuses   map[string]StatusMap `koanf:"status_overrides"`
}

// StatusMap maps remote status codes to canonical status names for one jurisdiction.
type StatusMap map[string]string

// DatabaseConfig configures storage and the write connection pool.
type DatabaseConfig struct {
	URL            string        `koanf:"url" validate:"required"`
	MinConnections int           `koanf:"min_connections" validate:"gte=0,ltefield=MaxConnections"`
	MaxConnections int           `koanf:"max_connections" validate:"gte=1"`
	PoolTimeout    time.Duration `koanf:"pool_timeout" validate:"gt=0"`
	// ReadConnections is extra headroom on the shared *sql.DB for dashboard and snapshot reads.
	ReadConnections int `koanf:"read_connections" validate:"gte=1"`
}

// RemoteConfig configures the legislative data API.
type RemoteConfig struct {
	BaseURL           string        `koanf:"base_url" validate:"required,url"`
	APIKey            string        `koanf:"api_key"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	RequestsPerMinute int           `koanf:"requests_per_minute" validate:"gte=0"`
	RequestsPerHour   int           `koanf:"requests_per_hour" validate:"gte=0"`
	MinInterval       time.Duration `koanf:"min_interval" validate:"gte=0"`
	MaxPageRetries    int           `koanf:"max_page_retries" validate:"gte=0"`
	FetchConcurrency  int           `koanf:"fetch_concurrency" validate:"gte=1"`
}

// SyncConfig configures the reconciliation pipeline and scheduler.
type SyncConfig struct {
	Jurisdictions   []string        `koanf:"jurisdictions"`
	Session         string          `koanf:"session"`
	Mode            string          `koanf:"mode" validate:"oneof=loop daily"`
	DailyHour       int             `koanf:"daily_hour" validate:"gte=0,lte=23"`
	BatchSize       int             `koanf:"batch_size" validate:"gte=1"`
	MaxRetries      int             `koanf:"max_retries" validate:"gte=1"`
	RetryDelay      time.Duration   `koanf:"retry_delay" validate:"gte=0"`
	MaxIterations   int             `koanf:"max_iterations" validate:"gte=1"`
	MaxNoProgress   int             `koanf:"max_no_progress" validate:"gte=1"`
	BackoffSchedule []time.Duration `koanf:"backoff_schedule" validate:"min=1"`
	Workers         int             `koanf:"workers" validate:"gte=1"`
}

// EnrichmentConfig configures the AI summary worker.
type EnrichmentConfig struct {
	Provider          string  `koanf:"provider" validate:"oneof=openai anthropic ollama"`
	Model             string  `koanf:"model"`
	APIKey            string  `koanf:"api_key"`
	OllamaHost        string  `koanf:"ollama_host"`
	ProducerVersion   int     `koanf:"producer_version" validate:"gte=1"`
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	BatchSize         int     `koanf:"batch_size" validate:"gte=1"`
}

// ServerConfig configures the dashboard.
type ServerConfig struct {
	Port string `koanf:"port" validate:"required"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:             "",
			MinConnections:  2,
			MaxConnections:  8,
			PoolTimeout:     30 * time.Second,
			ReadConnections: 4,
		},
		Remote: RemoteConfig{
			BaseURL:           "https://api.legiscan.com/",
			Timeout:           60 * time.Second,
			RequestsPerMinute: 30,
			RequestsPerHour:   1000,
			MinInterval:       500 * time.Millisecond,
			MaxPageRetries:    5,
			FetchConcurrency:  2,
		},
		Sync: SyncConfig{
			Mode:            "loop",
			DailyHour:       6,
			BatchSize:       100,
			MaxRetries:      3,
			RetryDelay:      5 * time.Second,
			MaxIterations:   10,
			MaxNoProgress:   2,
			BackoffSchedule: []time.Duration{30 * time.Second, 2 * time.Minute},
			Workers:         4,
		},
		Enrichment: EnrichmentConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			OllamaHost:        "http://localhost:11434",
			ProducerVersion:   1,
			RequestsPerSecond: 1,
			BatchSize:         25,
		},
		Server: ServerConfig{
			Port: "8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty; BILLSYNC_CONFIG is consulted then.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: failed to load config file %s: %v", ErrFatalConfig, path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitListField(k, "sync.jurisdictions"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// DATABASE_URL is what the deployment platform provides.
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	for i, j := range cfg.Sync.Jurisdictions {
		cfg.Sync.Jurisdictions[i] = strings.ToUpper(strings.TrimSpace(j))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps BILLSYNC_SYNC__BATCH_SIZE to sync.batch_size.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	if key == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// splitListField turns a comma separated env value into a list.
func splitListField(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if err := k.Set(path, parts); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalConfig, err)
	}
	return nil
}

// RequireSync checks the settings only the sync command needs.
func (c *Config) RequireSync() error {
	if c.Remote.APIKey == "" {
		return fmt.Errorf("%w: remote.api_key (BILLSYNC_REMOTE__API_KEY) is required", ErrFatalConfig)
	}
	if len(c.Sync.Jurisdictions) == 0 {
		return fmt.Errorf("%w: at least one jurisdiction is required", ErrFatalConfig)
	}
	if c.Sync.Session == "" {
		return fmt.Errorf("%w: sync.session is required", ErrFatalConfig)
	}
	return nil
}

// RequireEnrichment checks the settings only the enrich command needs.
func (c *Config) RequireEnrichment() error {
	if c.Enrichment.Provider != "ollama" && c.Enrichment.APIKey == "" {
		return fmt.Errorf("%w: enrichment.api_key is required for provider %s", ErrFatalConfig, c.Enrichment.Provider)
	}
	return nil
}
