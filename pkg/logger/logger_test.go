package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogLevelFiltering(t *testing.T) {
	originalLogger := Logger
	t.Cleanup(func() {
		Logger = originalLogger
		SetLogLevel(INFO)
	})

	var buf bytes.Buffer
	Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	SetLogLevel(INFO)
	Debug("debug message should be filtered")
	Info("info message should appear")

	SetLogLevel(WARN)
	Info("info message filtered at warn")
	Warn("warn message should appear")

	output := buf.String()
	if strings.Contains(output, "debug message should be filtered") {
		t.Fatalf("debug message was logged at INFO level:\n%s", output)
	}
	if !strings.Contains(output, "info message should appear") {
		t.Fatalf("info message was not logged:\n%s", output)
	}
	if strings.Contains(output, "info message filtered at warn") {
		t.Fatalf("info message was logged at WARN level:\n%s", output)
	}
	if !strings.Contains(output, "warn message should appear") {
		t.Fatalf("warn message was not logged:\n%s", output)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" INFO ":  INFO,
		"warning": WARN,
		"error":   ERROR,
	}
	for input, want := range cases {
		got, err := ParseLogLevel(input)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseLogLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestConfigureWritesToFile(t *testing.T) {
	originalLogger := Logger
	t.Cleanup(func() {
		Logger = originalLogger
		SetLogLevel(INFO)
	})

	path := filepath.Join(t.TempDir(), "logs", "flashsync.log")
	t.Cleanup(func() { Close() })
	if err := Configure(Options{Level: "debug", File: path}); err != nil {
		t.Fatalf("Configure returned error: %v", err)
	}
	Debug("written to file", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Fatalf("expected log line in file, got %q", string(data))
	}
}

func TestConfigureInvalidLevelKeepsLogger(t *testing.T) {
	originalLogger := Logger
	t.Cleanup(func() {
		Logger = originalLogger
		SetLogLevel(INFO)
	})

	if err := Configure(Options{Level: "nope"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
	if Logger == nil {
		t.Fatal("expected logger to remain configured")
	}
	if !Enabled(INFO) {
		t.Fatal("expected INFO to stay enabled after invalid level")
	}
}

func TestConfigureJSONFormat(t *testing.T) {
	originalLogger := Logger
	t.Cleanup(func() {
		Close()
		Logger = originalLogger
		SetLogLevel(INFO)
	})

	path := filepath.Join(t.TempDir(), "flashsync.json")
	if err := Configure(Options{Level: "info", Format: "json", File: path}); err != nil {
		t.Fatalf("Configure returned error: %v", err)
	}
	Info("drain finished", "synced", 3)
	if err := Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "{") || !strings.Contains(line, `"msg":"drain finished"`) || !strings.Contains(line, `"synced":3`) {
		t.Fatalf("expected a json line, got %q", line)
	}
}

func TestConfigureInvalidFormatFallsBackToText(t *testing.T) {
	originalLogger := Logger
	t.Cleanup(func() {
		Logger = originalLogger
		SetLogLevel(INFO)
	})

	if err := Configure(Options{Format: "xml"}); err == nil || !strings.Contains(err.Error(), "xml") {
		t.Fatalf("expected invalid format error, got %v", err)
	}
	if Logger == nil {
		t.Fatal("expected logger to remain configured")
	}
}

func TestReconfigureStopsWritingToOldFile(t *testing.T) {
	originalLogger := Logger
	t.Cleanup(func() {
		Close()
		Logger = originalLogger
		SetLogLevel(INFO)
	})

	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")
	if err := Configure(Options{File: first}); err != nil {
		t.Fatalf("Configure returned error: %v", err)
	}
	Info("to first")
	if err := Configure(Options{File: second}); err != nil {
		t.Fatalf("Configure returned error: %v", err)
	}
	Info("to second")

	firstData, _ := os.ReadFile(first)
	secondData, _ := os.ReadFile(second)
	if strings.Contains(string(firstData), "to second") {
		t.Fatalf("old file still receives logs: %q", firstData)
	}
	if !strings.Contains(string(secondData), "to second") || strings.Contains(string(secondData), "to first") {
		t.Fatalf("unexpected second file content: %q", secondData)
	}
}
