package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata" // Embeds the zone database for scheduler.timezone.

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix marks environment variables read as configuration.
// Nested keys are separated by a double underscore: STUDYLOOP_DB__DSN.
const EnvPrefix = "STUDYLOOP_"

// Config is the full runtime configuration.
type Config struct {
	DB        DB        `koanf:"db"`
	Server    Server    `koanf:"server"`
	Scheduler Scheduler `koanf:"scheduler"`
	Lock      Lock      `koanf:"lock"`
	Retry     Retry     `koanf:"retry"`
	Log       Log       `koanf:"log"`
	Sync      Sync      `koanf:"sync"`
}

type DB struct {
	Driver  string        `koanf:"driver" validate:"required,oneof=sqlite postgres"`
	DSN     string        `koanf:"dsn" validate:"required"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

type Server struct {
	Addr           string   `koanf:"addr" validate:"required"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type Scheduler struct {
	Timezone string `koanf:"timezone" validate:"required,timezone"`
}

// Location returns the time zone used for due-date comparisons.
func (s Scheduler) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

type Lock struct {
	Backend   string        `koanf:"backend" validate:"required,oneof=local redis"`
	RedisAddr string        `koanf:"redis_addr" validate:"required_if=Backend redis"`
	TTL       time.Duration `koanf:"ttl" validate:"gt=0"`
	Wait      time.Duration `koanf:"wait" validate:"gte=0"`
}

type Retry struct {
	MaxTries        uint          `koanf:"max_tries" validate:"gte=1,lte=10"`
	InitialInterval time.Duration `koanf:"initial_interval" validate:"gt=0"`
}

type Log struct {
	Mode string `koanf:"mode" validate:"oneof=dev prod"`
}

type Sync struct {
	ReposDir string `koanf:"repos_dir" validate:"required"`
	// DecksDir confines local deck sources; paths outside it are rejected.
	DecksDir string `koanf:"decks_dir" validate:"required"`
	Workers  int    `koanf:"workers" validate:"gte=1,lte=64"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB: DB{
			Driver:  "sqlite",
			DSN:     "studyloop.db",
			Timeout: 5 * time.Second,
		},
		Server:    Server{Addr: ":8080"},
		Scheduler: Scheduler{Timezone: "UTC"},
		Lock: Lock{
			Backend: "local",
			TTL:     10 * time.Second,
			Wait:    3 * time.Second,
		},
		Retry: Retry{
			MaxTries:        3,
			InitialInterval: 100 * time.Millisecond,
		},
		Log:  Log{Mode: "dev"},
		Sync: Sync{ReposDir: "repos", DecksDir: "decks", Workers: 4},
	}
}

// RegisterFlags adds the configuration flags. Flag defaults mirror
// Default so an unset flag never overrides a file or env value.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("db.driver", d.DB.Driver, "Database driver (sqlite or postgres)")
	flags.String("db.dsn", d.DB.DSN, "Database DSN or SQLite file path")
	flags.String("server.addr", d.Server.Addr, "HTTP listen address")
	flags.String("scheduler.timezone", d.Scheduler.Timezone, "Time zone used to decide which cards are due today")
	flags.String("lock.backend", d.Lock.Backend, "Session lock backend (local or redis)")
	flags.String("log.mode", d.Log.Mode, "Log mode (dev or prod)")
	flags.String("sync.decks_dir", d.Sync.DecksDir, "Directory that local deck sources must live under")
}

// Load reads .env, the optional YAML file named by --config, the
// environment and the parsed flags, in increasing order of precedence.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	if path, _ := flags.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}
