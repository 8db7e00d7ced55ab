package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestJSONFieldNames(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	log.SetLevel(logrus.InfoLevel)

	log.WithComponent("session").Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "component"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing %q in %v", key, line)
		}
	}
}

func TestWarnAndErrorCountedPerComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	entry := log.WithComponent("counted-component")
	entry.Warn("w")
	entry.Error("e")
	entry.Error("e")

	warns, errs := ComponentStats("counted-component")
	if warns != 1 || errs != 2 {
		t.Fatalf("expected 1 warn and 2 errors, got %d and %d", warns, errs)
	}
}

func TestRecordChannelMessage(t *testing.T) {
	RecordChannelMessage("venue-test", 10)
	RecordChannelMessage("venue-test", 5)

	msgs, size := ChannelStats("venue-test")
	if msgs != 2 || size != 15 {
		t.Fatalf("expected 2 messages and 15 bytes, got %d and %d", msgs, size)
	}
}

func TestLogMetricDoesNotMutateFields(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)

	fields := Fields{"venue": "usdm"}
	log.LogMetric("session", "reconnects", 1, "counter", fields)
	if len(fields) != 1 {
		t.Fatalf("fields mutated: %v", fields)
	}
}
