package logger

import (
	"context"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"info", InfoLevel, false},
		{"warn", WarnLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", "", true},
	}
	for _, c := range cases {
		got, err := ParseLogLevel(c.in)
		if c.wantErr {
			if err == nil {
				t.Fatalf("ParseLogLevel(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseLogLevel(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseLogLevel(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseLogFormat(t *testing.T) {
	if got, err := ParseLogFormat("console"); err != nil || got != TextFormat {
		t.Fatalf("ParseLogFormat(console) = %q, %v", got, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewZapLogger_DefaultsUnknownLevel(t *testing.T) {
	l, err := NewZapLogger(Config{Level: "bogus", Format: JSONFormat})
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	l.Debug("dropped at info level", "k", "v")
	l.Info("hello", "k", "v")
}

func TestWithContext_OperationID(t *testing.T) {
	l, err := NewZapLogger(DefaultConfig())
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	ctx := context.WithValue(context.Background(), OperationIDKey, "op-1")
	child := l.WithContext(ctx)
	if child == nil {
		t.Fatal("expected child logger")
	}
	// No operation ID present: same logger comes back.
	if got := l.WithContext(context.Background()); got != Logger(l) {
		t.Fatal("expected identical logger when context carries no operation ID")
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	l := Nop()
	l.Debug("a")
	l.Info("b", "k", 1)
	l.Warn("c")
	l.Error("d")
	if l.With("k", "v") == nil || l.WithContext(context.Background()) == nil {
		t.Fatal("nop logger must chain")
	}
}
