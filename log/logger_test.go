package log

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerJSONIncludesModule(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "debug", Format: "json"}, "registry", false, &buf)

	l.Infof("stored %d entries", 3)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["module"] != "registry" {
		t.Fatalf("expected module registry, got %v", line["module"])
	}
	if line["message"] != "stored 3 entries" {
		t.Fatalf("unexpected message %v", line["message"])
	}
}

func TestNewLoggerFallsBackToInfoOnBadLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "chatty", Format: "json"}, "x", false, &buf)
	if l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %v", l.GetLevel())
	}
	l.Debugf("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered, got %q", buf.String())
	}
}

func TestGetLoggerReturnsSameHandle(t *testing.T) {
	a := GetLogger("test-same")
	b := GetLogger("test-same")
	if a != b {
		t.Fatalf("expected cached handle")
	}
	if a.Name() != "test-same" {
		t.Fatalf("unexpected name %q", a.Name())
	}
}

func TestEReportsErrors(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "info", Format: "json"}, "e", false, &buf)
	if l.E(nil) {
		t.Fatalf("nil error must not be reported")
	}
	if !l.E(errTest("boom")) {
		t.Fatalf("expected error to be reported")
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("expected boom in output, got %q", buf.String())
	}
}

func TestInitLoggerRedirectRejectsMissingDirectory(t *testing.T) {
	prev := logWriter
	t.Cleanup(func() { logWriter = prev })

	path := filepath.Join(t.TempDir(), "missing", "sitecache.log")
	if err := InitLoggerRedirect(path); err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if logWriter != prev {
		t.Fatalf("writer must be unchanged on failure")
	}
	if err := InitLoggerRedirect("stderr"); err != nil {
		t.Fatalf("stderr target: %v", err)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
