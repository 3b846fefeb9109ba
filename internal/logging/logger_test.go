package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSONWithFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "convsyncd.log")

	logger, err := New(path, "work", zapcore.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello", zap.String("k", "v"))
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1 (debug filtered)", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["workspace"] != "work" || entry["msg"] != "hello" || entry["k"] != "v" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["pid"]; !ok {
		t.Error("pid field missing")
	}
}

func TestQuietWritesFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convsync.log")

	logger, err := Quiet(path, "main")
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("careful")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"workspace":"main"`) {
		t.Errorf("log = %s", data)
	}
}
