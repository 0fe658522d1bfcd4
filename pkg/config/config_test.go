package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadConfigSuccess(t *testing.T) {
	original := AppConfig
	t.Cleanup(func() {
		AppConfig = original
	})

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	content := strings.Join([]string{
		`{`,
		`  "database": {`,
		`    "driver": "postgres",`,
		`    "host": "localhost",`,
		`    "user": "test-user",`,
		`    "password": "test-pass",`,
		`    "dbname": "testdb",`,
		`    "port": 5433,`,
		`    "sslmode": "disable"`,
		`  },`,
		`  "remote": {"base_url": "https://sync.example.com", "token": "test-token"},`,
		`  "sync": {"call_timeout": "3s", "max_retries": 5}`,
		`}`,
	}, "\n")

	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}

	if err := LoadConfig(configPath); err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if AppConfig.Database.Host != "localhost" {
		t.Errorf("expected host to be localhost, got %q", AppConfig.Database.Host)
	}
	if AppConfig.Database.Port != 5433 {
		t.Errorf("expected port to be 5433, got %d", AppConfig.Database.Port)
	}
	if AppConfig.Remote.Token != "test-token" {
		t.Errorf("expected token to be test-token, got %q", AppConfig.Remote.Token)
	}
	if AppConfig.Sync.CallTimeout != 3*time.Second {
		t.Errorf("expected call timeout 3s, got %v", AppConfig.Sync.CallTimeout)
	}
	if AppConfig.Sync.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", AppConfig.Sync.MaxRetries)
	}
	if AppConfig.Sync.Workers != 1 {
		t.Errorf("expected default workers to survive, got %d", AppConfig.Sync.Workers)
	}
	if AppConfig.Review.MaxNewPerDay != 20 {
		t.Errorf("expected default max new per day, got %d", AppConfig.Review.MaxNewPerDay)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	original := AppConfig
	t.Cleanup(func() {
		AppConfig = original
	})

	if err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error when loading a missing config file")
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "review:\n  mode: practice\n  max_new_per_day: 5\nsync:\n  max_retries: 4\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}
	t.Setenv("FLASHSYNC_SYNC__MAX_RETRIES", "7")

	cfg, err := Load(configPath, nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Review.Mode != "practice" {
		t.Errorf("expected practice mode, got %q", cfg.Review.Mode)
	}
	if cfg.Review.MaxNewPerDay != 5 {
		t.Errorf("expected max new per day 5, got %d", cfg.Review.MaxNewPerDay)
	}
	if cfg.Sync.MaxRetries != 7 {
		t.Errorf("expected env override of max retries to 7, got %d", cfg.Sync.MaxRetries)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("database:\n  path: from-file.db\n"), 0o600); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db-path", "", "")
	flags.String("log-level", "info", "")
	if err := flags.Parse([]string{"--db-path", "from-flag.db"}); err != nil {
		t.Fatalf("failed to parse flags: %v", err)
	}

	cfg, err := Load(configPath, flags)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Path != "from-flag.db" {
		t.Errorf("expected flag to win, got %q", cfg.Database.Path)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected unchanged flag to keep default, got %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Review.Mode = "speedrun"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected invalid review mode to fail validation")
	}

	cfg = Default()
	cfg.Sync.MaxRetries = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected zero max retries to fail validation")
	}

	cfg = Default()
	cfg.Logging.Format = "xml"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected unknown log format to fail validation")
	}

	cfg = Default()
	cfg.Alerts.TelegramToken = "token"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected telegram token without chat id to fail validation")
	}

	if err := Validate(Default()); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}
