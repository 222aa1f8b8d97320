package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentcore/internal/infra/config"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := Level(tt.input); got != tt.want {
			t.Errorf("Level(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestResolveTargetStandardStreams(t *testing.T) {
	tgt, err := resolveTarget("stdout")
	if err != nil {
		t.Fatalf("resolveTarget(stdout): %v", err)
	}
	defer tgt.close()
	if tgt.w != os.Stdout {
		t.Error("expected os.Stdout")
	}

	tgt, err = resolveTarget("")
	if err != nil {
		t.Fatalf("resolveTarget(''): %v", err)
	}
	defer tgt.close()
	if tgt.w != os.Stderr {
		t.Error("expected os.Stderr for empty output")
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.log")

	log, closer, err := New(config.LoggerConfig{Level: "info", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("file output test", "instance_id", "a1")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "file output test") {
		t.Error("log file should contain the logged message")
	}
}

func TestNewLoggerInvalidOutput(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Level: "info", Format: "text", Output: "/nonexistent/dir/core.log"})
	if err == nil {
		t.Error("expected error for invalid output path")
	}
}

func TestNewLoggerJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.json")

	log, closer, err := New(config.LoggerConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("structured", "key", "value")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"structured"`) {
		t.Errorf("output not JSON: %s", data)
	}
}

func TestComponentTagsEveryLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.json")

	root, closer, err := New(config.LoggerConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	Component(root, "registry").Info("tagged line")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"component":"registry"`) {
		t.Errorf("missing component tag: %s", data)
	}
}
