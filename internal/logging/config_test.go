package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw    string
		want   zerolog.Level
		wantOK bool
	}{
		{raw: "", want: zerolog.InfoLevel, wantOK: false},
		{raw: " Debug ", want: zerolog.DebugLevel, wantOK: true},
		{raw: "warning", want: zerolog.WarnLevel, wantOK: true},
		{raw: "off", want: zerolog.Disabled, wantOK: true},
		{raw: "loud", want: zerolog.InfoLevel, wantOK: false},
	}
	for _, tc := range tests {
		got, ok := ParseLevel(tc.raw)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v,%v", tc.raw, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogNoColor, "1")
	t.Setenv(EnvLogBypass, "nope")

	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || !cfg.Timestamp || !cfg.NoColor || cfg.Bypass {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestApplyBypassWritesJSON(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	log.Info().Str("module", "layers.0").Msg("captured")
	log.Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, `"module":"layers.0"`) {
		t.Fatalf("missing structured field: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line leaked past info level: %s", out)
	}
}
