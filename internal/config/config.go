// Package config loads service settings from defaults, an optional YAML file
// and environment variables (DATABASE_DSN, REDIS_ADDR, SEGMENTER_ADDR, ...).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend kinds accepted by segmenter.backend.
const (
	BackendGRPC      = "grpc"
	BackendFloodFill = "floodfill"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Segmenter SegmenterConfig `mapstructure:"segmenter"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// ServerConfig controls the HTTP listener and request limits.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
	MaxPixels       int           `mapstructure:"max_pixels"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the postgres DSN and connection pool sizes.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig points at the result cache.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

// SegmenterConfig selects and tunes the segmentation backend and the segmenter worker.
type SegmenterConfig struct {
	Backend        string        `mapstructure:"backend"`
	Addr           string        `mapstructure:"addr"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	PoolSize       int           `mapstructure:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	Tolerance      float64       `mapstructure:"tolerance"`
	MinArea        int           `mapstructure:"min_area"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

// StorageConfig points at an S3-compatible bucket. Storage is disabled when BucketName is empty.
type StorageConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Region     string        `mapstructure:"region"`
	AccessKey  string        `mapstructure:"access_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	BucketName string        `mapstructure:"bucket_name"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

// Enabled reports whether an object store is configured.
func (s StorageConfig) Enabled() bool {
	return s.BucketName != ""
}

// Load reads configuration. configPath may be empty, in which case only
// defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Segmenter.Backend {
	case BackendGRPC, BackendFloodFill:
	default:
		return fmt.Errorf("unknown segmenter backend %q", c.Segmenter.Backend)
	}
	if c.Segmenter.MinArea < 0 {
		return fmt.Errorf("segmenter.min_area must not be negative, got %d", c.Segmenter.MinArea)
	}
	if c.Server.MaxPixels <= 0 {
		return fmt.Errorf("server.max_pixels must be positive, got %d", c.Server.MaxPixels)
	}
	if c.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("server.max_upload_size must be positive, got %d", c.Server.MaxUploadSize)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_size", 20*1024*1024)
	v.SetDefault("server.max_pixels", 40_000_000)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.dsn", "host=postgres user=postgres password=postgres dbname=segmask port=5432 sslmode=disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.result_ttl", 5*time.Minute)

	v.SetDefault("segmenter.backend", BackendGRPC)
	v.SetDefault("segmenter.addr", "segmenter:50051")
	v.SetDefault("segmenter.listen_addr", ":50051")
	v.SetDefault("segmenter.pool_size", 1)
	v.SetDefault("segmenter.acquire_timeout", 30*time.Second)
	v.SetDefault("segmenter.tolerance", 32.0)
	v.SetDefault("segmenter.min_area", 0)
	v.SetDefault("segmenter.session_ttl", 10*time.Minute)

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.bucket_name", "")
	v.SetDefault("storage.presign_ttl", 30*time.Minute)
}
