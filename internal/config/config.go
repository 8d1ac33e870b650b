// Package config loads the daemon configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the daemon.
type Config struct {
	Store struct {
		// Backend selects the state store: sqlite, mysql, or postgres.
		Backend string `mapstructure:"backend"`
		// Path is the database file for the sqlite backend.
		Path string `mapstructure:"path"`
		// DSN is the connection string for mysql and postgres backends.
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		// Prefix namespaces lock keys so pools can share one Redis.
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Engine struct {
		ID                string        `mapstructure:"id"`
		LockTTL           time.Duration `mapstructure:"lock_ttl"`
		RenewInterval     time.Duration `mapstructure:"renew_interval"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		MaxConcurrency    int           `mapstructure:"max_concurrency"`
	} `mapstructure:"engine"`

	Recovery struct {
		Interval   time.Duration `mapstructure:"interval"`
		StaleAfter time.Duration `mapstructure:"stale_after"`
		Limit      int           `mapstructure:"limit"`
	} `mapstructure:"recovery"`

	Schedule struct {
		// Strategy selects engine assignment: round-robin, load-balanced,
		// capability, affinity, or adaptive.
		Strategy string `mapstructure:"strategy"`
		// StaleAfter drops pool members that stop heartbeating.
		StaleAfter time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"schedule"`

	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Events struct {
		// Sink selects event emission: null, log, or jsonl.
		Sink string `mapstructure:"sink"`
		// Path is the output file for the jsonl sink; empty means stdout.
		Path string `mapstructure:"path"`
	} `mapstructure:"events"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "flowline.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "flowline")
	v.SetDefault("engine.lock_ttl", 30*time.Second)
	v.SetDefault("engine.renew_interval", 10*time.Second)
	v.SetDefault("engine.heartbeat_interval", 30*time.Second)
	v.SetDefault("engine.max_concurrency", 8)
	v.SetDefault("recovery.interval", 30*time.Second)
	v.SetDefault("recovery.stale_after", 2*time.Minute)
	v.SetDefault("recovery.limit", 10)
	v.SetDefault("schedule.strategy", "load-balanced")
	v.SetDefault("schedule.stale_after", 90*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("events.sink", "log")
}

// LoadConfig loads the configuration from the given file path (or, when
// path is empty, from config.yaml in the working directory and ./config)
// and the environment. Environment variables use the FLOWLINE_ prefix with
// underscores, e.g. FLOWLINE_STORE_BACKEND=postgres.
//
// A missing config file is not an error; defaults and the environment
// apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("FLOWLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite backend")
		}
	case "mysql", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Engine.RenewInterval >= c.Engine.LockTTL {
		return errors.New("engine.renew_interval must be shorter than engine.lock_ttl")
	}

	switch c.Events.Sink {
	case "null", "log", "jsonl":
	default:
		return fmt.Errorf("unknown events sink %q", c.Events.Sink)
	}
	return nil
}
