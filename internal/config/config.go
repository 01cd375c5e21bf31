// Package config loads service configuration from a file plus environment
// overrides, and the model catalog that drives per-model routing, timeout
// budgets, and cost settlement.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration. External backends are optional:
// an empty DSN, Redis address, or MinIO endpoint selects the in-memory
// fallback for that concern.
type Config struct {
	ListenAddr  string            `mapstructure:"listen_addr"`
	PostgresDSN string            `mapstructure:"postgres_dsn"`
	RedisAddr   string            `mapstructure:"redis_addr"`
	Minio       MinioConfig       `mapstructure:"minio"`
	Providers   map[string]Vendor `mapstructure:"providers"`
	CatalogPath string            `mapstructure:"catalog_path"`

	// Defaults apply to models whose catalog entry leaves them unset.
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	PollRetryDelay time.Duration `mapstructure:"poll_retry_delay"`

	// MaxPerOrg bounds concurrent provider submissions per organization.
	MaxPerOrg int `mapstructure:"max_per_org"`
}

// Vendor holds one provider's connection settings.
type Vendor struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// MinioConfig points at the object store backing the materializer.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Load reads configuration from the named file (optional) with ATELIER_*
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("catalog_path", "catalog.yaml")
	v.SetDefault("poll_timeout", "5m")
	v.SetDefault("poll_retry_delay", "2s")
	v.SetDefault("max_per_org", 4)
	v.SetDefault("minio.bucket", "atelier-artifacts")

	v.SetEnvPrefix("ATELIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("atelier-config")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(".")
		// The file is optional when unnamed; env and defaults suffice.
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
