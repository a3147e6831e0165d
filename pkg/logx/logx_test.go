package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return m
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Component("pulse"), Tenant("acme"))
	log.Warn("cohort not found", User("u1"), Week(time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)), Err(errors.New("boom")), Err(nil))

	m := decodeLine(t, buf.Bytes())
	want := map[string]string{
		"level":   "warn",
		"message": "cohort not found",
		"comp":    "pulse",
		"tenant":  "acme",
		"user":    "u1",
		"week":    "2024-03-03",
		"err":     "boom",
	}
	for k, v := range want {
		if got, _ := m[k].(string); got != v {
			t.Fatalf("%s = %q, want %q (line %v)", k, got, v, m)
		}
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if log.Enabled(LevelDebug) || !log.Enabled(LevelError) {
		t.Fatal("Enabled does not follow the level")
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Error("discarded")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestServiceApplySwapsSinks(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "nested", "pulse.log")
	svc, log := New(Config{Level: "info", Console: true, JSON: true, Out: &out})
	defer svc.Close()

	log.Debug("dropped")
	log.Info("to console")
	if !strings.Contains(out.String(), "to console") || strings.Contains(out.String(), "dropped") {
		t.Fatalf("console output = %q", out.String())
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}, Out: &out})
	log.Debug("to file")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}, Out: &out})
	log.Debug("still to file")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("file lines = %d: %s", len(lines), b)
	}
	if m := decodeLine(t, []byte(lines[1])); m["message"] != "still to file" {
		t.Fatalf("second line = %v", m)
	}
	if strings.Contains(out.String(), "to file") {
		t.Fatal("console sink should be off after Apply")
	}
}
