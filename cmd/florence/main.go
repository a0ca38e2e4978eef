package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/engine"
	"github.com/loqalabs/florence/internal/history"
	"github.com/loqalabs/florence/internal/mix"
	"github.com/loqalabs/florence/internal/selector"
	"github.com/loqalabs/florence/internal/speech"
	"github.com/loqalabs/florence/internal/vocoder"
	"github.com/loqalabs/florence/internal/wavio"
)

var version = "0.5.0-dev"

const usage = "expected 'render', 'analyze', 'engines', 'history', 'info' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "render":
		err = runRender(ctx, os.Args[2:], os.Stdin, os.Stdout)
	case "analyze":
		err = runAnalyze(os.Args[2:], os.Stdout)
	case "engines":
		err = runEngines(os.Args[2:], os.Stdout)
	case "history":
		err = runHistory(ctx, os.Args[2:], os.Stdout)
	case "info":
		err = runInfo(os.Args[2:], os.Stdout)
	case "version":
		fmt.Printf("%s (%s %s)\n", version, engine.Name, engine.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and builds the stderr JSON logger at the
// configured level.
func loadConfig(path string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.SlogLevel()}))
	return cfg, logger, nil
}

const defaultConfig = "florence.yaml"

// configFile falls back to ./florence.yaml when it exists and to built-in
// defaults otherwise.
func configFile(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfig); err == nil {
		return defaultConfig
	}
	return ""
}

func runRender(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	scorePath := fs.String("score", "", "Score to render; prompts from the input directory when empty")
	mode := fs.String("engine", "", "Speech engine: auto, exec or mock (overrides tts.mode)")
	_ = fs.Parse(args)

	cfg, logger, err := loadConfig(configFile(*configPath))
	if err != nil {
		return err
	}
	if *mode != "" {
		cfg.TTS.Mode = *mode
	}

	var source selector.Source = selector.Static(*scorePath)
	if *scorePath == "" {
		source = selector.Prompt{Dir: cfg.Render.InputDir, In: in, Out: out}
	}
	path, err := source.ScorePath(ctx)
	if errors.Is(err, selector.ErrNoSelection) {
		fmt.Fprintln(out, "no score selected")
		return nil
	}
	if err != nil {
		return err
	}

	synth, name, err := speech.NewRegistry(cfg.TTS, logger).New(cfg.TTS.Mode)
	if err != nil {
		logger.Error("speech engine unavailable", slog.String("error", err.Error()))
		return err
	}
	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	eng, err := engine.New(cfg, synth, name, store, logger)
	if err != nil {
		return err
	}
	res, err := eng.Render(ctx, path)
	if err != nil {
		logger.Error("render failed", slog.String("render_id", res.RenderID), slog.String("error", err.Error()))
		return err
	}
	fmt.Fprintf(out, "rendered %s (%d words, %s audio) in %s\n",
		res.OutputPath, res.Words, res.Duration.Round(time.Millisecond), res.Elapsed.Round(time.Millisecond))
	return nil
}

func runAnalyze(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	wavPath := fs.String("wav", "", "WAV file to analyze")
	framePeriod := fs.Float64("frame-period", vocoder.DefaultFramePeriod, "Analysis frame period in ms")
	_ = fs.Parse(args)
	if *wavPath == "" {
		return errors.New("analyze: -wav is required")
	}

	clip, err := wavio.ReadFile(*wavPath)
	if err != nil {
		return err
	}
	features, err := vocoder.Analyze(clip.Samples, clip.SampleRate, *framePeriod)
	if err != nil {
		return err
	}
	voiced, sum := 0, 0.0
	for _, f := range features.F0 {
		if f > 0 {
			voiced++
			sum += f
		}
	}
	quality := mix.Analyze(clip.Samples)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "file\t%s\n", *wavPath)
	fmt.Fprintf(w, "sample rate\t%d Hz\n", clip.SampleRate)
	fmt.Fprintf(w, "duration\t%.3f s\n", clip.Duration())
	fmt.Fprintf(w, "frames\t%d (%d voiced)\n", features.Frames(), voiced)
	if voiced > 0 {
		fmt.Fprintf(w, "mean f0\t%.2f Hz\n", sum/float64(voiced))
	}
	fmt.Fprintf(w, "fft size\t%d\n", (len(features.Spectrogram[0])-1)*2)
	fmt.Fprintf(w, "rms\t%.4f\n", quality.RMS)
	fmt.Fprintf(w, "zero crossing rate\t%.4f\n", quality.ZeroCrossingRate)
	fmt.Fprintf(w, "estimated snr\t%.2f dB\n", quality.EstimatedSNR)
	return w.Flush()
}

func runEngines(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("engines", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, logger, err := loadConfig(configFile(*configPath))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENGINE\tPRIORITY\tAVAILABLE\tDETAIL")
	for _, e := range speech.NewRegistry(cfg.TTS, logger).Engines() {
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", e.Name, e.Priority, e.Available, e.Detail)
	}
	return w.Flush()
}

func runHistory(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	renderID := fs.String("render", "", "Show the stage events of one render")
	limit := fs.Int("limit", 20, "Maximum rows to print")
	_ = fs.Parse(args)

	cfg, logger, err := loadConfig(configFile(*configPath))
	if err != nil {
		return err
	}
	if cfg.History.RetentionMode == history.RetentionEphemeral {
		return errors.New("history: retention_mode is ephemeral, nothing is recorded")
	}
	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if *renderID != "" {
		events, err := store.ListRenderEvents(ctx, *renderID, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIME\tSTAGE\tPAYLOAD")
		for _, evt := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\n", evt.CreatedAt.Local().Format(time.DateTime), evt.Stage, evt.Payload)
		}
		return w.Flush()
	}

	renders, err := store.ListRenders(ctx, *limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "TIME\tRENDER\tSCORE")
	for _, r := range renders {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.CreatedAt.Local().Format(time.DateTime), r.ID, r.ScorePath)
	}
	return w.Flush()
}

func runInfo(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, logger, err := loadConfig(configFile(*configPath))
	if err != nil {
		return err
	}
	synth, name, err := speech.NewRegistry(cfg.TTS, logger).New(cfg.TTS.Mode)
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg, synth, name, nil, logger)
	if err != nil {
		return err
	}
	info := eng.Info()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "engine\t%s %s\n", info.Name, info.Version)
	fmt.Fprintf(w, "modules\t%v\n", info.Modules)
	fmt.Fprintf(w, "speech\t%s\n", info.Speech)
	fmt.Fprintf(w, "sample rate\t%d Hz\n", info.SampleRate)
	fmt.Fprintf(w, "input\t%s\n", info.InputDir)
	fmt.Fprintf(w, "output\t%s\n", info.OutputDir)
	return w.Flush()
}
