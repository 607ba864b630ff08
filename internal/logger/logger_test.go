package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelTagBuckets(t *testing.T) {
	cases := map[slog.Level]string{
		slog.LevelDebug:     "[debug]",
		slog.LevelInfo:      "[info]",
		slog.LevelInfo + 2:  "[info]", // between info and warn
		slog.LevelWarn:      "[warn]",
		slog.LevelError:     "[error]",
		slog.LevelError + 4: "[error]",
	}
	for level, want := range cases {
		if got := levelTag(level); !strings.Contains(got, want) {
			t.Fatalf("levelTag(%v) = %q, want tag %q", level, got, want)
		}
	}
}

func TestColorHandlerTagsMessage(t *testing.T) {
	var buf strings.Builder
	lg := slog.New(NewColorTextHandler(&buf, nil, true))
	lg.Warn("sync slow")
	out := buf.String()
	if !strings.Contains(out, "[warn]") || !strings.Contains(out, "sync slow") {
		t.Fatalf("missing colored tag: %s", out)
	}
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.log")
	lg := New(Config{Level: "info", File: path})
	lg.Info("sync completed", "commands", 3)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "sync completed") {
		t.Fatalf("log line missing: %s", b)
	}
	if strings.Contains(string(b), "\033[") {
		t.Fatalf("file output must not contain ANSI codes: %s", b)
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector.log")
	lg := New(Config{Level: "warn", File: path})
	lg.Info("dropped")
	lg.Warn("kept")

	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "dropped") {
		t.Fatalf("info line should be filtered at warn level")
	}
	if !strings.Contains(string(b), "kept") {
		t.Fatalf("warn line missing")
	}
}
