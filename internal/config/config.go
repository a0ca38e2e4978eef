package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// SlogLevel maps LogLevel to a slog level; unknown names mean info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
	TTS         TTSConfig       `yaml:"tts"`
	Score       ScoreConfig     `yaml:"score"`
	Vocoder     VocoderConfig   `yaml:"vocoder"`
	Render      RenderConfig    `yaml:"render"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	AudioBucket    string   `yaml:"audio_bucket"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRenders    int    `yaml:"max_renders"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// TTSConfig selects and parameterizes the speech engine. Command is a shell-style
// command line; {text} and {out} are substituted per invocation.
type TTSConfig struct {
	Mode       string `yaml:"mode"` // auto, exec, mock
	Command    string `yaml:"command"`
	EnginePath string `yaml:"engine_path"`
	Voice      string `yaml:"voice"`
	TextFormat string `yaml:"text_format"`
	SampleRate int    `yaml:"sample_rate"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type ScoreConfig struct {
	MinFrequencyHz float64 `yaml:"min_frequency_hz"`
	DefaultTempo   float64 `yaml:"default_tempo_bpm"`
	SectionGapMS   int     `yaml:"section_gap_ms"`
}

type VocoderConfig struct {
	FramePeriodMS float64 `yaml:"frame_period_ms"`
	F0Floor       float64 `yaml:"f0_floor_hz"`
	F0Ceil        float64 `yaml:"f0_ceil_hz"`
	ClampFloor    float64 `yaml:"clamp_floor_hz"`
	ClampCeil     float64 `yaml:"clamp_ceil_hz"`
}

type RenderConfig struct {
	SampleRate   int     `yaml:"sample_rate"`
	InputDir     string  `yaml:"input_dir"`
	OutputDir    string  `yaml:"output_dir"`
	Workers      int     `yaml:"workers"`
	FitDuration  bool    `yaml:"fit_duration"`
	WindowMS     float64 `yaml:"window_ms"`
	OverlapRatio float64 `yaml:"overlap_ratio"`
	FadeCurve    string  `yaml:"fade_curve"`
	TargetRMS    float64 `yaml:"target_rms"`
	MaxGain      float64 `yaml:"max_gain"`
	LimitAt      float64 `yaml:"limiter_threshold"`
	LimitRatio   float64 `yaml:"limiter_ratio"`
}

func Default() Config {
	return Config{
		RuntimeName: "florence",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			AudioBucket:    "florence-audio",
		},
		History: HistoryConfig{
			Path:          "./data/florence-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRenders:    1000,
		},
		TTS: TTSConfig{
			Mode:       "auto",
			Command:    "espeak-ng -v {voice} -w {out} {text}",
			Voice:      "cmn-latn-pinyin",
			TextFormat: "[[%s]]",
			SampleRate: 22050,
			TimeoutMS:  30000,
		},
		Score: ScoreConfig{
			MinFrequencyHz: 130,
			DefaultTempo:   120,
			SectionGapMS:   1000,
		},
		Vocoder: VocoderConfig{
			FramePeriodMS: 5.0,
			F0Floor:       71.0,
			F0Ceil:        800.0,
			ClampFloor:    40,
			ClampCeil:     800,
		},
		Render: RenderConfig{
			SampleRate:   22050,
			InputDir:     "input",
			OutputDir:    "output",
			Workers:      goruntime.NumCPU(),
			FitDuration:  true,
			WindowMS:     20,
			OverlapRatio: 0.25,
			FadeCurve:    "linear",
			TargetRMS:    0.1,
			MaxGain:      4.0,
			LimitAt:      0.95,
			LimitRatio:   20,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "FLORENCE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "FLORENCE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "FLORENCE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FLORENCE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FLORENCE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FLORENCE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FLORENCE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "FLORENCE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "FLORENCE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "FLORENCE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FLORENCE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "FLORENCE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "FLORENCE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FLORENCE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FLORENCE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FLORENCE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FLORENCE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FLORENCE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.AudioBucket, "FLORENCE_BUS_AUDIO_BUCKET")
	overrideString(&cfg.History.Path, "FLORENCE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "FLORENCE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "FLORENCE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRenders, "FLORENCE_HISTORY_MAX_RENDERS")
	overrideBool(&cfg.History.VacuumOnStart, "FLORENCE_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.TTS.Mode, "FLORENCE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "FLORENCE_TTS_COMMAND")
	overrideString(&cfg.TTS.EnginePath, "FLORENCE_TTS_ENGINE_PATH")
	overrideString(&cfg.TTS.Voice, "FLORENCE_TTS_VOICE")
	overrideString(&cfg.TTS.TextFormat, "FLORENCE_TTS_TEXT_FORMAT")
	overrideInt(&cfg.TTS.SampleRate, "FLORENCE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.TimeoutMS, "FLORENCE_TTS_TIMEOUT_MS")
	overrideFloat(&cfg.Score.MinFrequencyHz, "FLORENCE_SCORE_MIN_FREQUENCY_HZ")
	overrideFloat(&cfg.Score.DefaultTempo, "FLORENCE_SCORE_DEFAULT_TEMPO_BPM")
	overrideInt(&cfg.Score.SectionGapMS, "FLORENCE_SCORE_SECTION_GAP_MS")
	overrideFloat(&cfg.Vocoder.FramePeriodMS, "FLORENCE_VOCODER_FRAME_PERIOD_MS")
	overrideFloat(&cfg.Vocoder.F0Floor, "FLORENCE_VOCODER_F0_FLOOR_HZ")
	overrideFloat(&cfg.Vocoder.F0Ceil, "FLORENCE_VOCODER_F0_CEIL_HZ")
	overrideFloat(&cfg.Vocoder.ClampFloor, "FLORENCE_VOCODER_CLAMP_FLOOR_HZ")
	overrideFloat(&cfg.Vocoder.ClampCeil, "FLORENCE_VOCODER_CLAMP_CEIL_HZ")
	overrideInt(&cfg.Render.SampleRate, "FLORENCE_RENDER_SAMPLE_RATE")
	overrideString(&cfg.Render.InputDir, "FLORENCE_RENDER_INPUT_DIR")
	overrideString(&cfg.Render.OutputDir, "FLORENCE_RENDER_OUTPUT_DIR")
	overrideInt(&cfg.Render.Workers, "FLORENCE_RENDER_WORKERS")
	overrideBool(&cfg.Render.FitDuration, "FLORENCE_RENDER_FIT_DURATION")
	overrideFloat(&cfg.Render.WindowMS, "FLORENCE_RENDER_WINDOW_MS")
	overrideFloat(&cfg.Render.OverlapRatio, "FLORENCE_RENDER_OVERLAP_RATIO")
	overrideString(&cfg.Render.FadeCurve, "FLORENCE_RENDER_FADE_CURVE")
	overrideFloat(&cfg.Render.TargetRMS, "FLORENCE_RENDER_TARGET_RMS")
	overrideFloat(&cfg.Render.MaxGain, "FLORENCE_RENDER_MAX_GAIN")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.AudioBucket == "" {
			return errors.New("bus.audio_bucket must not be empty")
		}
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.TTS.Mode {
	case "auto", "exec", "mock":
	default:
		return errors.New("tts.mode must be one of auto|exec|mock")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if f := cfg.TTS.TextFormat; f != "" && (strings.Count(f, "%") != 1 || !strings.Contains(f, "%s")) {
		return errors.New("tts.text_format must contain %s and no other verb")
	}
	if cfg.Score.MinFrequencyHz < 0 {
		return errors.New("score.min_frequency_hz must be >= 0")
	}
	if cfg.Score.DefaultTempo <= 0 {
		return errors.New("score.default_tempo_bpm must be positive")
	}
	if cfg.Score.SectionGapMS < 0 {
		return errors.New("score.section_gap_ms must be >= 0")
	}
	if cfg.Vocoder.FramePeriodMS <= 0 {
		return errors.New("vocoder.frame_period_ms must be positive")
	}
	if cfg.Vocoder.F0Floor <= 0 || cfg.Vocoder.F0Ceil <= cfg.Vocoder.F0Floor {
		return errors.New("vocoder.f0_ceil_hz must be greater than a positive f0_floor_hz")
	}
	if cfg.Vocoder.ClampFloor <= 0 || cfg.Vocoder.ClampCeil <= cfg.Vocoder.ClampFloor {
		return errors.New("vocoder.clamp_ceil_hz must be greater than a positive clamp_floor_hz")
	}
	if cfg.Render.SampleRate <= 0 {
		return errors.New("render.sample_rate must be positive")
	}
	if cfg.Render.OutputDir == "" {
		return errors.New("render.output_dir must not be empty")
	}
	if cfg.Render.Workers <= 0 {
		return errors.New("render.workers must be >= 1")
	}
	if cfg.Render.WindowMS < 0 {
		return errors.New("render.window_ms must be >= 0")
	}
	if cfg.Render.OverlapRatio < 0 || cfg.Render.OverlapRatio > 1 {
		return errors.New("render.overlap_ratio must be between 0 and 1")
	}
	switch cfg.Render.FadeCurve {
	case "linear", "cosine", "exp":
	default:
		return errors.New("render.fade_curve must be one of linear|cosine|exp")
	}
	if cfg.Render.TargetRMS <= 0 {
		return errors.New("render.target_rms must be positive")
	}
	if cfg.Render.MaxGain <= 0 {
		return errors.New("render.max_gain must be positive")
	}
	if cfg.Render.LimitAt <= 0 || cfg.Render.LimitAt > 1 {
		return errors.New("render.limiter_threshold must be in (0, 1]")
	}
	if cfg.Render.LimitRatio < 1 {
		return errors.New("render.limiter_ratio must be >= 1")
	}
	return nil
}
