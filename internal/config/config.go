// Package config loads Herbarium settings with viper: built-in defaults,
// an optional YAML file and HERBARIUM_* environment overrides, in rising
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/HerbHall/herbarium/internal/notify"
	"github.com/HerbHall/herbarium/internal/repository"
	"github.com/HerbHall/herbarium/internal/server"
	"github.com/HerbHall/herbarium/internal/worker"
)

// EnvPrefix prefixes every environment override, e.g. HERBARIUM_SERVER_PORT.
const EnvPrefix = "HERBARIUM"

// Config is a read-only view over a viper instance.
type Config struct {
	v *viper.Viper
}

// New wraps v. A nil v yields an empty Config.
func New(v *viper.Viper) *Config {
	if v == nil {
		v = viper.New()
	}
	return &Config{v: v}
}

func (c *Config) GetString(key string) string          { return c.v.GetString(key) }
func (c *Config) GetInt(key string) int                { return c.v.GetInt(key) }
func (c *Config) GetBool(key string) bool              { return c.v.GetBool(key) }
func (c *Config) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }
func (c *Config) IsSet(key string) bool                { return c.v.IsSet(key) }

// Sub returns the subtree at key, or an empty Config when it is missing.
func (c *Config) Sub(key string) *Config {
	return New(c.v.Sub(key))
}

// Unmarshal decodes the whole tree into target using mapstructure tags.
func (c *Config) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

// Load builds the configuration. An empty path searches for herbarium.yaml
// in the working directory and /etc/herbarium, and a missing file is not an
// error; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return New(v), nil
	}

	v.SetConfigName("herbarium")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/herbarium")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return New(v), nil
}

// SetDefaults registers every known key. Keys must be known for environment
// overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	pool := worker.DefaultConfig()
	paging := repository.DefaultConfig()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "herbarium.db")
	v.SetDefault("database.dsn", "")

	v.SetDefault("paging.page_size", paging.PageSize)
	v.SetDefault("paging.max_page_size", paging.MaxPageSize)
	v.SetDefault("paging.load_timeout", paging.LoadTimeout)

	v.SetDefault("worker.workers", pool.Workers)
	v.SetDefault("worker.queue_size", pool.QueueSize)

	v.SetDefault("notify.mqtt.broker", "")
	v.SetDefault("notify.mqtt.topic", notify.DefaultMQTTTopic)
	v.SetDefault("notify.mqtt.client_id", "")
	v.SetDefault("notify.mqtt.qos", 1)
	v.SetDefault("notify.mqtt.timeout", 10*time.Second)
	v.SetDefault("notify.redis.addr", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel", notify.DefaultRedisChannel)

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database selects the record store backend.
type Database struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// Notify configures the optional cross-instance change bridges. A bridge is
// enabled by setting its address.
type Notify struct {
	MQTT  notify.MQTTConfig  `mapstructure:"mqtt"`
	Redis notify.RedisConfig `mapstructure:"redis"`
}

// Log configures the zap logger.
type Log struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Settings is the typed form of the whole configuration.
type Settings struct {
	Server   server.Config     `mapstructure:"server"`
	Database Database          `mapstructure:"database"`
	Paging   repository.Config `mapstructure:"paging"`
	Worker   worker.Config     `mapstructure:"worker"`
	Notify   Notify            `mapstructure:"notify"`
	Log      Log               `mapstructure:"log"`
}

// Settings decodes and validates the configuration.
func (c *Config) Settings() (Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the server cannot start with.
func (s Settings) Validate() error {
	switch s.Database.Driver {
	case DriverSQLite:
		if s.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverPostgres:
		if s.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", s.Database.Driver)
	}
	if s.Paging.PageSize < 1 {
		return errors.New("paging.page_size must be greater than 0")
	}
	if s.Paging.PageSize > s.Paging.MaxPageSize {
		return fmt.Errorf("paging.page_size %d exceeds paging.max_page_size %d", s.Paging.PageSize, s.Paging.MaxPageSize)
	}
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", s.Server.Port)
	}
	if err := s.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}
