package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Score.MinFrequencyHz != 130 {
		t.Fatalf("expected 130 Hz pitch floor, got %v", cfg.Score.MinFrequencyHz)
	}
	if cfg.Vocoder.FramePeriodMS != 5.0 {
		t.Fatalf("expected 5ms frame period, got %v", cfg.Vocoder.FramePeriodMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "florence.yaml")
	data := []byte(`runtime_name: florence-test
tts:
  mode: exec
  command: "say -o {out} {text}"
render:
  sample_rate: 16000
  fade_curve: cosine
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "florence-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.TTS.Command != "say -o {out} {text}" {
		t.Fatalf("unexpected tts command %q", cfg.TTS.Command)
	}
	if cfg.Render.SampleRate != 16000 || cfg.Render.FadeCurve != "cosine" {
		t.Fatalf("expected render overrides, got %+v", cfg.Render)
	}
	// untouched sections keep defaults
	if cfg.Render.TargetRMS != 0.1 {
		t.Fatalf("expected default target rms, got %v", cfg.Render.TargetRMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLORENCE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("FLORENCE_BUS_USERNAME", "alice")
	t.Setenv("FLORENCE_BUS_TLS_INSECURE", "true")
	t.Setenv("FLORENCE_TTS_ENGINE_PATH", "/opt/espeak/bin/espeak-ng")
	t.Setenv("FLORENCE_TTS_MODE", "mock")
	t.Setenv("FLORENCE_SCORE_MIN_FREQUENCY_HZ", "100.5")
	t.Setenv("FLORENCE_VOCODER_FRAME_PERIOD_MS", "10")
	t.Setenv("FLORENCE_RENDER_WORKERS", "3")
	t.Setenv("FLORENCE_RENDER_FIT_DURATION", "false")
	t.Setenv("FLORENCE_HISTORY_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides")
	}
	if cfg.TTS.EnginePath != "/opt/espeak/bin/espeak-ng" {
		t.Fatalf("expected engine path override, got %q", cfg.TTS.EnginePath)
	}
	if cfg.TTS.Mode != "mock" {
		t.Fatalf("expected tts mode override")
	}
	if cfg.Score.MinFrequencyHz != 100.5 {
		t.Fatalf("expected min frequency override, got %v", cfg.Score.MinFrequencyHz)
	}
	if cfg.Vocoder.FramePeriodMS != 10 {
		t.Fatalf("expected frame period override")
	}
	if cfg.Render.Workers != 3 || cfg.Render.FitDuration {
		t.Fatalf("expected render overrides, got %+v", cfg.Render)
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history retention override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"tts mode":        func(c *Config) { c.TTS.Mode = "sapi" },
		"exec command":    func(c *Config) { c.TTS.Mode = "exec"; c.TTS.Command = "" },
		"text format":     func(c *Config) { c.TTS.TextFormat = "[[text]]" },
		"extra verb":      func(c *Config) { c.TTS.TextFormat = "%d %s" },
		"escaped percent": func(c *Config) { c.TTS.TextFormat = "100%% %s" },
		"frame period":    func(c *Config) { c.Vocoder.FramePeriodMS = 0 },
		"f0 range":        func(c *Config) { c.Vocoder.F0Ceil = c.Vocoder.F0Floor },
		"overlap ratio":   func(c *Config) { c.Render.OverlapRatio = 1.5 },
		"fade curve":      func(c *Config) { c.Render.FadeCurve = "square" },
		"retention":       func(c *Config) { c.History.RetentionMode = "forever" },
		"bus bucket":      func(c *Config) { c.Bus.Enabled = true; c.Bus.AudioBucket = "" },
		"workers":         func(c *Config) { c.Render.Workers = 0 },
		"limiter":         func(c *Config) { c.Render.LimitAt = 1.5 },
		"tempo":           func(c *Config) { c.Score.DefaultTempo = 0 },
		"sample rate":     func(c *Config) { c.Render.SampleRate = -1 },
		"remote no hosts": func(c *Config) { c.Bus.Enabled = true; c.Bus.Embedded = false; c.Bus.Servers = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for name, want := range cases {
		if got := (TelemetryConfig{LogLevel: name}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
