package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "worker.log")
	if err := Init(logPath, false); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}
	defer Close()

	SetLevel(INFO)
	Debugf("hidden %d", 1)
	Infof("visible %d", 2)
	WithFields(Fields{"job_id": "abc"}).Warn("with fields")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	out := string(data)

	if strings.Contains(out, "hidden 1") {
		t.Error("Debug message should be filtered at INFO level")
	}
	if !strings.Contains(out, "visible 2") {
		t.Errorf("Expected info message in log, got %q", out)
	}
	if !strings.Contains(out, "job_id=abc") {
		t.Errorf("Expected structured field in log, got %q", out)
	}
}

func TestInitRequiresOutput(t *testing.T) {
	if err := Init("", false); err == nil {
		t.Fatal("Expected error when no output is configured")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"":        INFO,
		"warning": WARN,
		"error":   ERROR,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) returned error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("Expected error for unknown level")
	}
}
