package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=sqlite postgres memory"`
	DSN     string `yaml:"dsn" validate:"required_unless=Backend memory"`
}

type PathsConfig struct {
	Staging  string `yaml:"staging" validate:"required"`
	Active   string `yaml:"active" validate:"required"`
	Archive  string `yaml:"archive" validate:"required"`
	Manifest string `yaml:"manifest" validate:"required"`
}

type RealtimeConfig struct {
	VehiclePositionsURL string        `yaml:"vehicle_positions_url" validate:"omitempty,url"`
	TripUpdatesURL      string        `yaml:"trip_updates_url" validate:"required,url"`
	APIKey              string        `yaml:"api_key"`
	APIKeyParam         string        `yaml:"api_key_param" validate:"required"`
	Timeout             time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxSize             int           `yaml:"max_size" validate:"gt=0"`
	CacheTTL            time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

type ReprocessConfig struct {
	// External command run after each promotion, with the active
	// snapshot directory appended as last argument.
	Command []string `yaml:"command"`

	// Load the active snapshot into storage after each promotion.
	InProcess *bool `yaml:"in_process"`
}

type NATSConfig struct {
	URL     string `yaml:"url" validate:"omitempty,url"`
	Subject string `yaml:"subject" validate:"required"`
}

type MetricsConfig struct {
	// Serves /metrics while the process runs. Only useful with the
	// long-running run command.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`

	// Pushes the registry here at the end of every one-shot command.
	PushgatewayURL string `yaml:"pushgateway_url" validate:"omitempty,url"`
	Job            string `yaml:"job" validate:"required"`
}

type ScheduleConfig struct {
	// Intervals used by the run command.
	CheckInterval   time.Duration `yaml:"check_interval" validate:"gt=0"`
	CollectInterval time.Duration `yaml:"collect_interval" validate:"gt=0"`
}

type Config struct {
	Storage     StorageConfig   `yaml:"storage"`
	Paths       PathsConfig     `yaml:"paths"`
	Realtime    RealtimeConfig  `yaml:"realtime"`
	Timezone    string          `yaml:"timezone" validate:"required,timezone"`
	Reprocess   ReprocessConfig `yaml:"reprocess"`
	LogLevel    string          `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Schedule    ScheduleConfig  `yaml:"schedule"`
	NATS        NATSConfig      `yaml:"nats"`
}

func Default() *Config {
	inProcess := true
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			DSN:     "database/gtfs.db",
		},
		Paths: PathsConfig{
			Staging:  "data/static",
			Active:   "data/gtfs_static",
			Archive:  "data/static_archive",
			Manifest: "database/gtfs_hashes.txt",
		},
		Realtime: RealtimeConfig{
			VehiclePositionsURL: "https://gtfsapi.translink.ca/v3/gtfsposition",
			TripUpdatesURL:      "https://gtfsapi.translink.ca/v3/gtfsrealtime",
			APIKeyParam:         "apikey",
			Timeout:             10 * time.Second,
			MaxSize:             16 << 20,
		},
		Timezone: "America/Vancouver",
		Reprocess: ReprocessConfig{
			InProcess: &inProcess,
		},
		LogLevel: "info",
		Metrics: MetricsConfig{
			Job: "gtfs_delays",
		},
		Schedule: ScheduleConfig{
			CheckInterval:   time.Hour,
			CollectInterval: 30 * time.Second,
		},
		NATS: NATSConfig{
			Subject: "gtfs.delays",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty), and the environment, in that order.
// A .env file in the working directory is loaded into the environment
// first, if present.
func Load(path string) (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Reprocess.InProcess == nil {
		inProcess := true
		cfg.Reprocess.InProcess = &inProcess
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Realtime.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
