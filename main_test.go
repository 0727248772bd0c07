package main

import (
	"io"
	"log/slog"
	"testing"

	"lms-notifier/i18n"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTranslationsAdapter(t *testing.T) {
	catalog, err := i18n.New("en", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("i18n.New() error = %v", err)
	}
	tr := translations{catalog}.For("de_AT")
	if tr.Locale() != "de" {
		t.Errorf("Locale() = %q, want de", tr.Locale())
	}
	if got := tr.T("digest.subject", "2"); got != "2 neue Benachrichtigungen" {
		t.Errorf("T() = %q", got)
	}
}
