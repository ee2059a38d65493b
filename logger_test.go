package alpaca

import (
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
)

func TestSimpleLoggerLevels(t *testing.T) {
	l := NewSimpleLogger()
	// Smoke test: none of the levels may panic, including odd kv counts.
	l.Debug("debug message", "key", "value")
	l.Info("info message")
	l.Warn("warn message", "dangling")
	l.Error("error message", "code", 500, "retry", true)
}

func TestLogrusLoggerFields(t *testing.T) {
	base, hook := logrustest.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := NewLogrusLogger(logrus.NewEntry(base))

	l.Info("request complete", "status", 200, "endpoint", "/v2/account")

	entries := hook.AllEntries()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Message != "request complete" {
		t.Errorf("Expected message preserved, got %q", entry.Message)
	}
	if entry.Data["status"] != 200 {
		t.Errorf("Expected status field, got %v", entry.Data)
	}
	if entry.Data["endpoint"] != "/v2/account" {
		t.Errorf("Expected endpoint field, got %v", entry.Data)
	}
}

func TestLogrusLoggerNoFields(t *testing.T) {
	base, hook := logrustest.NewNullLogger()
	l := NewLogrusLogger(logrus.NewEntry(base))

	l.Warn("plain warning")
	if len(hook.AllEntries()) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(hook.AllEntries()))
	}
	if hook.LastEntry().Level != logrus.WarnLevel {
		t.Errorf("Expected warn level, got %v", hook.LastEntry().Level)
	}
}
