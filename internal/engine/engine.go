// Package engine runs the five render stages that turn a score into a sung
// WAV file: decode, speak, tune, connect and render.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/history"
	"github.com/loqalabs/florence/internal/mix"
	"github.com/loqalabs/florence/internal/score"
	"github.com/loqalabs/florence/internal/song"
	"github.com/loqalabs/florence/internal/speech"
	"github.com/loqalabs/florence/internal/tuner"
	"github.com/loqalabs/florence/internal/wavio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	Name    = "Florence Engine"
	Version = "0.5.0"

	instrumentation = "github.com/loqalabs/florence/internal/engine"
)

const (
	StageDecode  = "decode"
	StageSpeak   = "speak"
	StageTune    = "tune"
	StageConnect = "connect"
	StageRender  = "render"
)

var ErrScoreNotFound = errors.New("engine: score not found")

// Result describes a finished render.
type Result struct {
	RenderID   string
	ScorePath  string
	OutputPath string
	Words      int
	Duration   time.Duration // length of the rendered audio
	Elapsed    time.Duration
	Quality    mix.Quality
}

// Info summarizes the engine configuration.
type Info struct {
	Name       string
	Version    string
	Modules    []string
	Speech     string
	SampleRate int
	InputDir   string
	OutputDir  string
}

type Engine struct {
	cfg       config.Config
	decoder   *score.Decoder
	synth     speech.Synthesizer
	synthName string
	tuner     *tuner.Tuner
	connector *mix.Connector
	renderer  *mix.Renderer
	history   *history.Store
	logger    *slog.Logger

	tracer   trace.Tracer
	meter    metric.Meter
	words    metric.Int64Counter
	renders  metric.Int64Counter
	duration metric.Float64Histogram
	active   atomic.Int64
}

// New wires the stages. store may be nil when no history is kept; synthName
// only labels the synthesizer in Info and logs.
func New(cfg config.Config, synth speech.Synthesizer, synthName string, store *history.Store, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if synth == nil {
		return nil, errors.New("engine: synthesizer is required")
	}
	connector, err := mix.NewConnector(cfg.Render)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		decoder:   score.NewDecoder(cfg.Score, logger),
		synth:     synth,
		synthName: synthName,
		tuner:     tuner.New(cfg.Vocoder, cfg.Render, logger),
		connector: connector,
		renderer:  mix.NewRenderer(cfg.Render),
		history:   store,
		logger:    logger.With(slog.String("component", "engine")),
		tracer:    otel.Tracer(instrumentation),
		meter:     otel.Meter(instrumentation),
	}
	if err := e.initMetrics(); err != nil {
		e.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return e, nil
}

func (e *Engine) initMetrics() error {
	var err error
	if e.words, err = e.meter.Int64Counter("florence.words.rendered", metric.WithDescription("Words sung across renders")); err != nil {
		return err
	}
	if e.renders, err = e.meter.Int64Counter("florence.renders", metric.WithDescription("Completed render attempts")); err != nil {
		return err
	}
	if e.duration, err = e.meter.Float64Histogram("florence.render.duration", metric.WithDescription("Render wall time"), metric.WithUnit("s")); err != nil {
		return err
	}
	gauge, err := e.meter.Int64ObservableGauge("florence.renders.active", metric.WithDescription("Renders in progress"))
	if err != nil {
		return err
	}
	_, err = e.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, e.active.Load())
		return nil
	}, gauge)
	return err
}

// Info reports the engine version and configuration.
func (e *Engine) Info() Info {
	return Info{
		Name:       Name,
		Version:    Version,
		Modules:    []string{"score", "speech", "tuner", "mix", "wavio"},
		Speech:     e.synthName,
		SampleRate: e.cfg.Render.SampleRate,
		InputDir:   e.cfg.Render.InputDir,
		OutputDir:  e.cfg.Render.OutputDir,
	}
}

// Render runs every stage on the score at path under a fresh render id.
func (e *Engine) Render(ctx context.Context, path string) (Result, error) {
	return e.RenderWithID(ctx, uuid.NewString(), path)
}

// RenderWithID is Render with a caller-chosen id. The first failing stage
// stops the pipeline; its error is prefixed with the stage name.
func (e *Engine) RenderWithID(ctx context.Context, renderID, path string) (res Result, err error) {
	res = Result{RenderID: renderID, ScorePath: path}
	if info, statErr := os.Stat(path); statErr != nil || info.IsDir() {
		return res, fmt.Errorf("%w: %s", ErrScoreNotFound, path)
	}

	e.active.Add(1)
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "florence.render", trace.WithAttributes(
		attribute.String("florence.render_id", renderID),
		attribute.String("florence.score", path),
	))
	defer func() {
		e.active.Add(-1)
		res.Elapsed = time.Since(started)
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		attrs := metric.WithAttributes(attribute.String("status", status))
		if e.renders != nil {
			e.renders.Add(context.Background(), 1, attrs)
		}
		if e.duration != nil {
			e.duration.Record(context.Background(), res.Elapsed.Seconds(), attrs)
		}
		span.End()
	}()

	if e.history != nil {
		if herr := e.history.AppendRender(ctx, renderID, path); herr != nil {
			e.logger.Warn("history append failed", slog.String("render_id", renderID), slog.String("error", herr.Error()))
		}
	}
	log := e.logger.With(slog.String("render_id", renderID))
	log.Info("render started", slog.String("score", path))

	var s *song.Song
	err = e.stage(ctx, renderID, StageDecode, func(ctx context.Context) error {
		decoded, err := e.decoder.Decode(ctx, path)
		if err != nil {
			return err
		}
		decoded.SampleRate = e.cfg.Render.SampleRate
		s = decoded
		res.Words = s.WordCount()
		log.Info("score decoded", slog.Int("tracks", len(s.Tracks)), slog.Int("words", res.Words))
		return nil
	})
	if err != nil {
		return res, err
	}
	if err = e.stage(ctx, renderID, StageSpeak, func(ctx context.Context) error { return e.speak(ctx, s) }); err != nil {
		return res, err
	}
	if err = e.stage(ctx, renderID, StageTune, func(ctx context.Context) error { return e.tuner.TuneSong(ctx, s) }); err != nil {
		return res, err
	}
	if err = e.stage(ctx, renderID, StageConnect, func(context.Context) error {
		e.connector.ConnectSong(s)
		return nil
	}); err != nil {
		return res, err
	}
	err = e.stage(ctx, renderID, StageRender, func(context.Context) error {
		samples := e.renderer.Render(s)
		out, err := e.renderer.Write(s, e.cfg.Render.OutputDir)
		if err != nil {
			return err
		}
		res.OutputPath = out
		res.Duration = time.Duration(float64(len(samples)) / float64(s.SampleRate) * float64(time.Second))
		res.Quality = mix.Analyze(samples)
		return nil
	})
	if err != nil {
		return res, err
	}

	if e.words != nil {
		e.words.Add(ctx, int64(res.Words))
	}
	log.Info("render finished",
		slog.String("output", res.OutputPath),
		slog.Int("words", res.Words),
		slog.Duration("audio", res.Duration),
		slog.Float64("rms", res.Quality.RMS),
		slog.Float64("zero_crossing_rate", res.Quality.ZeroCrossingRate),
		slog.Float64("estimated_snr_db", res.Quality.EstimatedSNR),
	)
	return res, nil
}

type stageRecord struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func (e *Engine) stage(ctx context.Context, renderID, name string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "florence."+name)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	rec := stageRecord{Status: "ok", ElapsedMS: time.Since(started).Milliseconds()}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.history != nil {
		payload, _ := json.Marshal(rec)
		if herr := e.history.AppendEvent(context.WithoutCancel(ctx), history.Event{RenderID: renderID, Stage: name, Payload: payload}); herr != nil {
			e.logger.Warn("history append failed", slog.String("stage", name), slog.String("error", herr.Error()))
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// speak synthesizes every word's lyric at the song's sample rate.
func (e *Engine) speak(ctx context.Context, s *song.Song) error {
	var err error
	s.EachWord(func(_, _, _ int, w *song.Word) {
		if err != nil {
			return
		}
		if err = ctx.Err(); err != nil {
			return
		}
		var clip speech.Clip
		clip, err = e.synth.Synthesize(ctx, speech.Request{Text: w.Lyric, Voice: e.cfg.TTS.Voice})
		if err != nil {
			err = fmt.Errorf("word %q at %v: %w", w.Text, w.Start, err)
			return
		}
		samples := clip.Samples
		if clip.SampleRate != s.SampleRate {
			samples = wavio.Resample(samples, clip.SampleRate, s.SampleRate)
		}
		w.Wave = samples
	})
	return err
}
