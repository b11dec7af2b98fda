package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileLoggerWritesComponentTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	logger, err := New(Options{Level: "info", Format: "console", OutputFile: path, Colors: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.ComponentInfo(ComponentTransport, "connected", zap.String("addr", "localhost:6379"))
	logger.ComponentDebug(ComponentTransport, "filtered out")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[TRANSPORT] connected") {
		t.Errorf("expected uncolored component tag, got %q", out)
	}
	if strings.Contains(out, "filtered out") {
		t.Errorf("debug line should be filtered at info level: %q", out)
	}
}

func TestWrapNil(t *testing.T) {
	l := Wrap(nil)
	l.ComponentError(ComponentBridge, "goes nowhere")
}
