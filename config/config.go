/*
Package config loads stashd configuration and builds the logger.

SOURCES (later wins):
  1. Built-in defaults (see setDefaults)
  2. .env in the working directory, if present (godotenv)
  3. Optional YAML file passed with --config
  4. STASH_* environment variables, e.g. STASH_STORE_DSN for store.dsn

KEYS:
  http.addr              listen address (":8080")
  store.driver           sqlite | postgres | memory
  store.dsn              sqlite path or postgres URL
  log.level              logrus level name
  log.format             json | text
  cors.allowed_origins   list of origins
  metrics.enabled        expose /metrics
  units.file             YAML unit table overrides (catalog.LoadTable)
  display.locale         BCP 47 tag used for formatted amounts
  audit.interval         balance audit period ("1h"); 0 disables
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

const envPrefix = "STASH"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`

	Units struct {
		File string `mapstructure:"file"`
	} `mapstructure:"units"`

	Display struct {
		Locale string `mapstructure:"locale"`
	} `mapstructure:"display"`

	Audit struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"audit"`
}

// Load reads configuration. path may be empty.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "stash.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("units.file", "")
	v.SetDefault("display.locale", "en")
	v.SetDefault("audit.interval", "1h")
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver != DriverMemory && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}
	if c.Audit.Interval < 0 {
		return fmt.Errorf("audit.interval must not be negative")
	}
	if _, err := language.Parse(c.Display.Locale); err != nil {
		return fmt.Errorf("invalid display.locale %q: %w", c.Display.Locale, err)
	}
	return nil
}

// Locale returns the parsed display locale, English if unparsable.
func (c Config) Locale() language.Tag {
	tag, err := language.Parse(c.Display.Locale)
	if err != nil {
		return language.English
	}
	return tag
}
