// Package config loads dispatcherd's configuration from an optional TOML
// file plus environment overrides, in the style this codebase's other
// binaries use for their own config.Load (none of which ship their own
// loader in this tree, so this one is written fresh in the same shape:
// a Config struct with Mongo/HTTP/Queue/Bus/Leader sections, env override
// beating file value beating built-in default).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type HTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type NATSConfig struct {
	URL string `toml:"url"`
}

type SQSConfig struct {
	Region            string `toml:"region"`
	QueueURL          string `toml:"queue_url"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

type BusConfig struct {
	NATS NATSConfig `toml:"nats"`
	SQS  SQSConfig  `toml:"sqs"`
}

type RegistryConfig struct {
	QueryRatePerSecond float64 `toml:"query_rate_per_second"`
	QueryBurst         int     `toml:"query_burst"`
}

type AuthConfig struct {
	CallTokenSecret string        `toml:"call_token_secret"`
	CallTokenIssuer string        `toml:"call_token_issuer"`
	CallTokenTTL    time.Duration `toml:"call_token_ttl"`
}

type LeaderConfig struct {
	Enabled         bool          `toml:"enabled"`
	InstanceID      string        `toml:"instance_id"`
	TTL             time.Duration `toml:"ttl"`
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

// Config is dispatcherd's complete runtime configuration.
type Config struct {
	MongoDB  MongoConfig    `toml:"mongodb"`
	HTTP     HTTPConfig     `toml:"http"`
	Bus      BusConfig      `toml:"bus"`
	Registry RegistryConfig `toml:"registry"`
	Auth     AuthConfig     `toml:"auth"`
	Leader   LeaderConfig   `toml:"leader"`
	DataDir  string         `toml:"data_dir"`
}

func defaults() Config {
	return Config{
		MongoDB: MongoConfig{URI: "mongodb://localhost:27017", Database: "chandispatch"},
		HTTP:    HTTPConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Bus: BusConfig{
			NATS: NATSConfig{URL: "nats://localhost:4222"},
			SQS:  SQSConfig{WaitTimeSeconds: 20, VisibilityTimeout: 30},
		},
		Registry: RegistryConfig{QueryRatePerSecond: 5, QueryBurst: 10},
		Auth:     AuthConfig{CallTokenIssuer: "chandispatch", CallTokenTTL: 5 * time.Minute},
		Leader:   LeaderConfig{TTL: 15 * time.Second, RefreshInterval: 5 * time.Second},
		DataDir:  "/var/lib/chandispatch",
	}
}

// Load builds a Config by starting from built-in defaults, overlaying a TOML
// file named by CHANDISPATCH_CONFIG_FILE (if set and present), then applying
// individual CHANDISPATCH_* environment overrides.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CHANDISPATCH_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("CHANDISPATCH_MONGODB_URI"); ok {
		cfg.MongoDB.URI = v
	}
	if v, ok := os.LookupEnv("CHANDISPATCH_MONGODB_DATABASE"); ok {
		cfg.MongoDB.Database = v
	}
	if v, ok := os.LookupEnv("CHANDISPATCH_HTTP_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v, ok := os.LookupEnv("CHANDISPATCH_BUS_NATS_URL"); ok {
		cfg.Bus.NATS.URL = v
	}
	if v, ok := os.LookupEnv("CHANDISPATCH_BUS_SQS_QUEUE_URL"); ok {
		cfg.Bus.SQS.QueueURL = v
	}
	if v, ok := os.LookupEnv("CHANDISPATCH_BUS_SQS_REGION"); ok {
		cfg.Bus.SQS.Region = v
	}
	if v, ok := os.LookupEnv("CHANDISPATCH_AUTH_CALL_TOKEN_SECRET"); ok {
		cfg.Auth.CallTokenSecret = v
	}
	if v, ok := os.LookupEnv("CHANDISPATCH_DATA_DIR"); ok {
		cfg.DataDir = v
	}
}
