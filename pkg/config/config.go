package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/smith3v/flashsync/pkg/logger"
	"github.com/spf13/pflag"
)

const EnvPrefix = "FLASHSYNC_"

type Config struct {
	Database     DatabaseConfig     `koanf:"database"`
	Logging      LoggingConfig      `koanf:"logging"`
	Remote       RemoteConfig       `koanf:"remote"`
	Sync         SyncConfig         `koanf:"sync"`
	Review       ReviewConfig       `koanf:"review"`
	Reachability ReachabilityConfig `koanf:"reachability"`
	Alerts       AlertsConfig       `koanf:"alerts"`
}

type DatabaseConfig struct {
	Driver   string `koanf:"driver" validate:"oneof=sqlite postgres"`
	Path     string `koanf:"path" validate:"required_if=Driver sqlite"`
	Host     string `koanf:"host" validate:"required_if=Driver postgres"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbname" validate:"required_if=Driver postgres"`
	Port     int    `koanf:"port" validate:"gte=0,lte=65535"`
	SSLMode  string `koanf:"sslmode"`
}

type LoggingConfig struct {
	Level     string `koanf:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format    string `koanf:"format" validate:"omitempty,oneof=text json"`
	File      string `koanf:"file"`
	GormLevel string `koanf:"gorm_level" validate:"omitempty,oneof=silent error warn info"`
}

type RemoteConfig struct {
	BaseURL string        `koanf:"base_url" validate:"omitempty,url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
}

type SyncConfig struct {
	MaxRetries         int           `koanf:"max_retries" validate:"gte=1"`
	CallTimeout        time.Duration `koanf:"call_timeout" validate:"gt=0"`
	DrainInterval      time.Duration `koanf:"drain_interval" validate:"gte=0"`
	MinTriggerInterval time.Duration `koanf:"min_trigger_interval" validate:"gte=0"`
	CleanupInterval    time.Duration `koanf:"cleanup_interval" validate:"gte=0"`
	SyncedRetention    time.Duration `koanf:"synced_retention" validate:"gte=0"`
	Workers            int           `koanf:"workers" validate:"gte=1,lte=64"`
	InitialBackoff     time.Duration `koanf:"initial_backoff" validate:"gte=0"`
	MaxBackoff         time.Duration `koanf:"max_backoff" validate:"gte=0"`
}

type ReviewConfig struct {
	MaxNewPerDay    int    `koanf:"max_new_per_day" validate:"gte=0"`
	MaxReviewPerDay int    `koanf:"max_review_per_day" validate:"gte=0"`
	SessionLimit    int    `koanf:"session_limit" validate:"gte=0"`
	Mode            string `koanf:"mode" validate:"oneof=normal practice cram"`
	SweepSilences   bool   `koanf:"sweep_silences"`
}

type ReachabilityConfig struct {
	ProbeURL string        `koanf:"probe_url" validate:"omitempty,url"`
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
}

type AlertsConfig struct {
	TelegramToken string `koanf:"telegram_token"`
	ChatID        int64  `koanf:"chat_id" validate:"required_with=TelegramToken"`
}

var AppConfig = Default()

func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Path:    "flashsync.db",
			Port:    5432,
			SSLMode: "disable",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			GormLevel: "warn",
		},
		Remote: RemoteConfig{
			Timeout: 15 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:         3,
			CallTimeout:        10 * time.Second,
			DrainInterval:      5 * time.Minute,
			MinTriggerInterval: 5 * time.Second,
			CleanupInterval:    time.Hour,
			SyncedRetention:    7 * 24 * time.Hour,
			Workers:            1,
			InitialBackoff:     30 * time.Second,
			MaxBackoff:         10 * time.Minute,
		},
		Review: ReviewConfig{
			MaxNewPerDay:    20,
			MaxReviewPerDay: 200,
			SessionLimit:    50,
			Mode:            "normal",
			SweepSilences:   true,
		},
		Reachability: ReachabilityConfig{
			Interval: 30 * time.Second,
		},
	}
}

// Load layers defaults, the config file (YAML or JSON), FLASHSYNC_ environment
// variables and finally any flags that were explicitly set. A double underscore
// in an environment name separates sections: FLASHSYNC_SYNC__MAX_RETRIES.
func Load(filename string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if strings.TrimSpace(filename) != "" {
		if err := k.Load(file.Provider(filename), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", filename, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagValue(flags)), nil); err != nil {
			return cfg, fmt.Errorf("load flags: %w", err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadConfig(filename string) error {
	cfg, err := Load(filename, nil)
	if err != nil {
		logger.Error("failed to load config", "file", filename, "error", err)
		return err
	}
	AppConfig = cfg
	return nil
}

func Validate(cfg Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// FlagKeys maps command-line flag names onto config keys. Flags not listed
// here are only honoured when their name already is a config key.
var FlagKeys = map[string]string{
	"db-driver":    "database.driver",
	"db-path":      "database.path",
	"log-level":    "logging.level",
	"log-file":     "logging.file",
	"log-format":   "logging.format",
	"remote-url":   "remote.base_url",
	"remote-token": "remote.token",
	"mode":         "review.mode",
}

func flagValue(flags *pflag.FlagSet) func(f *pflag.Flag) (string, interface{}) {
	return func(f *pflag.Flag) (string, interface{}) {
		if !f.Changed {
			return "", nil
		}
		key, ok := FlagKeys[f.Name]
		if !ok {
			key = f.Name
		}
		return key, posflag.FlagVal(flags, f)
	}
}

func envKey(name string) string {
	name = strings.TrimPrefix(name, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}
