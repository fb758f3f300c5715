package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	AllowedOrigin       string        `mapstructure:"allowed_origin"`
	MaxShardBytes       int           `mapstructure:"max_shard_bytes"`
	MessageTTL          time.Duration `mapstructure:"-"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"-"`
	Storage             StorageConfig `mapstructure:"storage"`
	Admin               AdminConfig   `mapstructure:"admin"`
	GRPC                GRPCConfig    `mapstructure:"grpc"`
	Limits              LimitsConfig  `mapstructure:"limits"`
}

// StorageConfig selects and tunes the shard store backend.
type StorageConfig struct {
	Mode          string        `mapstructure:"mode"`
	Path          string        `mapstructure:"path"`
	SweepInterval time.Duration `mapstructure:"-"`
	RebuildExpiry bool          `mapstructure:"rebuild_expiry"`
}

// AdminConfig configures the HTTP status/metrics listener.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"-"`
}

// GRPCConfig holds keepalive settings for client streams.
type GRPCConfig struct {
	KeepaliveTime     time.Duration `mapstructure:"-"`
	KeepaliveTimeout  time.Duration `mapstructure:"-"`
	MaxConnectionIdle time.Duration `mapstructure:"-"`
}

// LimitsConfig bounds per-connection resource use.
type LimitsConfig struct {
	DepositRate      float64 `mapstructure:"deposit_rate"`
	DepositBurst     int     `mapstructure:"deposit_burst"`
	MaxTopicsPerConn int     `mapstructure:"max_topics_per_conn"`
}

const (
	defaultListenAddress       = "0.0.0.0:3000"
	defaultAllowedOrigin       = "*"
	defaultMaxShardBytes       = 16 * 1024 * 1024
	defaultMessageTTL          = 24 * time.Hour
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultStorageMode         = "memory"
	defaultStoragePath         = "data/shards.db"
	defaultSweepInterval       = time.Minute
	defaultAdminAddress        = "0.0.0.0:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultKeepaliveTime       = 30 * time.Second
	defaultKeepaliveTimeout    = 10 * time.Second
	defaultMaxConnectionIdle   = 15 * time.Minute
	defaultDepositBurst        = 64
	defaultMaxTopicsPerConn    = 64
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with AETHER_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AETHER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("allowed_origin", defaultAllowedOrigin)
	v.SetDefault("max_shard_bytes", defaultMaxShardBytes)
	v.SetDefault("message_ttl", defaultMessageTTL.String())
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("storage.mode", defaultStorageMode)
	v.SetDefault("storage.path", defaultStoragePath)
	v.SetDefault("storage.sweep_interval", defaultSweepInterval.String())
	v.SetDefault("storage.rebuild_expiry", false)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("grpc.keepalive_time", defaultKeepaliveTime.String())
	v.SetDefault("grpc.keepalive_timeout", defaultKeepaliveTimeout.String())
	v.SetDefault("grpc.max_connection_idle", defaultMaxConnectionIdle.String())
	v.SetDefault("limits.deposit_rate", 0)
	v.SetDefault("limits.deposit_burst", defaultDepositBurst)
	v.SetDefault("limits.max_topics_per_conn", defaultMaxTopicsPerConn)
	// Registered so AETHER_MESSAGE_TTL_SECONDS is picked up by AutomaticEnv.
	v.SetDefault("message_ttl_seconds", 0)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"message_ttl", &cfg.MessageTTL},
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"storage.sweep_interval", &cfg.Storage.SweepInterval},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout},
		{"grpc.keepalive_time", &cfg.GRPC.KeepaliveTime},
		{"grpc.keepalive_timeout", &cfg.GRPC.KeepaliveTimeout},
		{"grpc.max_connection_idle", &cfg.GRPC.MaxConnectionIdle},
	}
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}
	if secs := v.GetInt("message_ttl_seconds"); secs > 0 {
		cfg.MessageTTL = time.Duration(secs) * time.Second
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = defaultAllowedOrigin
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = defaultStorageMode
	}
	cfg.Storage.Mode = strings.ToLower(strings.TrimSpace(cfg.Storage.Mode))
	if cfg.Limits.MaxTopicsPerConn <= 0 {
		cfg.Limits.MaxTopicsPerConn = defaultMaxTopicsPerConn
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	if c.MaxShardBytes <= 0 {
		return fmt.Errorf("max_shard_bytes must be positive (got %d)", c.MaxShardBytes)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("message_ttl must be positive (got %s)", c.MessageTTL)
	}
	if c.Storage.SweepInterval <= 0 {
		return fmt.Errorf("storage.sweep_interval must be positive (got %s)", c.Storage.SweepInterval)
	}
	if c.Limits.DepositRate < 0 {
		return fmt.Errorf("limits.deposit_rate cannot be negative")
	}
	return nil
}
