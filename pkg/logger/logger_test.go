package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func newCaptureLogger(cfg Config) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Logger{
		config: cfg,
		logger: log.New(&buf, "", 0),
	}, &buf
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warn":    WarnLevel,
		"error":   ErrorLevel,
		"bananas": InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogRespectsLevel(t *testing.T) {
	l, buf := newCaptureLogger(Config{Level: WarnLevel})

	l.Log(InfoLevel, "should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("expected no output for filtered level, got %q", buf.String())
	}

	l.Log(ErrorLevel, "should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}

func TestLogJSONOutput(t *testing.T) {
	l, buf := newCaptureLogger(Config{Level: InfoLevel, JSON: true, Component: "bundlekit"})

	l.Log(InfoLevel, "fetching asset", String("name", "vae.safetensors"), Int("attempt", 2))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if entry.Message != "fetching asset" {
		t.Errorf("message = %q, want %q", entry.Message, "fetching asset")
	}
	if entry.Component != "bundlekit" {
		t.Errorf("component = %q, want bundlekit", entry.Component)
	}
	if entry.Fields["name"] != "vae.safetensors" {
		t.Errorf("name field = %v", entry.Fields["name"])
	}
}

func TestPrettyFormatIncludesDryRunMarker(t *testing.T) {
	l, buf := newCaptureLogger(Config{Level: InfoLevel, DryRun: true})

	l.Log(InfoLevel, "would clone")
	if !strings.Contains(buf.String(), "[DRY-RUN]") {
		t.Fatalf("expected dry-run marker, got %q", buf.String())
	}
}
