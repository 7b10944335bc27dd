// Package config loads the pipeline configuration with layered sources:
// built-in defaults, an optional YAML file, then TK_-prefixed environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "TK_CONFIG"

// DefaultConfigPaths lists where a config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/telemetrykitchen/config.yaml",
}

// envPrefix namespaces environment overrides, e.g. TK_BROKER_HOST.
const envPrefix = "TK_"

// Station describes one external sensor endpoint to poll. Loaded once at
// startup and never mutated.
type Station struct {
	SensorID            string   `koanf:"sensor_id"`
	Name                string   `koanf:"name"`
	URL                 string   `koanf:"url"`
	SourceType          string   `koanf:"source_type"`
	PollIntervalSeconds int      `koanf:"poll_interval_seconds"`
	Lat                 *float64 `koanf:"lat"`
	Lon                 *float64 `koanf:"lon"`
}

// Broker holds the AMQP connection and topology settings.
type Broker struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Exchange string `koanf:"exchange"`
	Queue    string `koanf:"queue"`
	Prefetch int    `koanf:"prefetch"`
}

// URL renders the AMQP connection URL.
func (b Broker) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", b.Username, b.Password, b.Host, b.Port)
}

// Database holds the PostgreSQL pool settings.
type Database struct {
	URL             string        `koanf:"url"`
	MaxConns        int           `koanf:"max_conns"`
	MinConns        int           `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// Ops holds the health/metrics listener settings.
type Ops struct {
	Port         int `koanf:"port"`
	RateLimitRPS int `koanf:"rate_limit_rps"`
}

// Logging holds log output settings.
type Logging struct {
	Level string `koanf:"level"`
}

// Config is the full configuration surface shared by both services.
type Config struct {
	Stations []Station `koanf:"stations"`
	Broker   Broker    `koanf:"broker"`
	Database Database  `koanf:"database"`
	Ops      Ops       `koanf:"ops"`
	Logging  Logging   `koanf:"logging"`
}

func defaultConfig() *Config {
	return &Config{
		Broker: Broker{
			Host:     "localhost",
			Port:     5672,
			Username: "tk",
			Password: "tk",
			Exchange: "sensor-events",
			Queue:    "ingest-events",
			Prefetch: 10,
		},
		Database: Database{
			MaxConns:        10,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Ops: Ops{
			Port:         8080,
			RateLimitRPS: 100,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, highest priority last. A .env file in the working
// directory is honored before the environment is read.
func Load() (*Config, error) {
	_ = godotenv.Load() // ignore missing file

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TK_BROKER_HOST -> broker.host, TK_DATABASE_MAX_CONNS -> database.max_conns
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(key, "_", 2)
		if len(parts) == 1 {
			return key
		}
		return parts[0] + "." + parts[1]
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ValidateStations checks the poller-side configuration.
func (c *Config) ValidateStations() error {
	if len(c.Stations) == 0 {
		return errors.New("at least one station must be configured")
	}
	for i, st := range c.Stations {
		if st.SensorID == "" {
			return fmt.Errorf("station %d: sensor_id is required", i)
		}
		if st.URL == "" {
			return fmt.Errorf("station %s: url is required", st.SensorID)
		}
		if st.PollIntervalSeconds <= 0 {
			return fmt.Errorf("station %s: poll_interval_seconds must be positive", st.SensorID)
		}
	}
	return nil
}

// ValidateDatabase checks the consumer-side configuration.
func (c *Config) ValidateDatabase() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	return nil
}
