package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/wavio"
	"github.com/mattn/go-shellwords"
)

const (
	placeholderText  = "{text}"
	placeholderOut   = "{out}"
	placeholderVoice = "{voice}"
)

// ExecSynth runs an external engine once per utterance. The command line may
// reference {text}, {voice} and {out}; without {out} the engine must write a
// WAV stream to stdout.
type ExecSynth struct {
	path       string
	args       []string
	voice      string
	textFormat string
	sampleRate int
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
}

func NewExecSynth(cfg config.TTSConfig, logger *slog.Logger) (*ExecSynth, error) {
	if logger == nil {
		logger = slog.Default()
	}
	args, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}
	path, err := resolveEngine(cfg.EnginePath, args[0])
	if err != nil {
		return nil, err
	}
	return &ExecSynth{
		path:       path,
		args:       args[1:],
		voice:      cfg.Voice,
		textFormat: cfg.TextFormat,
		sampleRate: cfg.SampleRate,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:     logger.With(slog.String("component", "speech"), slog.String("engine", filepath.Base(path))),
	}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return args, nil
}

// resolveEngine prefers an explicit engine path and falls back to a PATH
// lookup of the command's first word.
func resolveEngine(enginePath, name string) (string, error) {
	if enginePath != "" {
		info, err := os.Stat(enginePath)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrEngineNotFound, enginePath, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrEngineNotFound, enginePath)
		}
		return enginePath, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineNotFound, err)
	}
	return path, nil
}

// Path is the resolved engine executable.
func (e *ExecSynth) Path() string { return e.path }

func (e *ExecSynth) Synthesize(ctx context.Context, req Request) (Clip, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return silence(e.sampleRate), nil
	}
	voice := req.Voice
	if voice == "" {
		voice = e.voice
	}
	if e.textFormat != "" {
		text = strings.Replace(e.textFormat, "%s", text, 1)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tmpDir, err := os.MkdirTemp("", "florence_tts_*")
	if err != nil {
		return Clip{}, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	outPath := filepath.Join(tmpDir, "speech.wav")

	toFile := false
	args := make([]string, len(e.args))
	for i, arg := range e.args {
		if strings.Contains(arg, placeholderOut) {
			toFile = true
		}
		arg = strings.ReplaceAll(arg, placeholderOut, outPath)
		arg = strings.ReplaceAll(arg, placeholderVoice, voice)
		args[i] = strings.ReplaceAll(arg, placeholderText, text)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	command := exec.CommandContext(ctx, e.path, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return Clip{}, ctxErr
		}
		return Clip{}, fmt.Errorf("%w: %v: %s", ErrEngineFailed, err, strings.TrimSpace(stderr.String()))
	}

	var clip Clip
	if toFile {
		clip, err = wavio.ReadFile(outPath)
	} else {
		clip, err = wavio.Decode(bytes.NewReader(stdout.Bytes()))
	}
	if err != nil {
		return Clip{}, fmt.Errorf("%w: decode output: %v", ErrEngineFailed, err)
	}
	e.logger.Debug("utterance synthesized",
		slog.String("text", text),
		slog.Int("samples", len(clip.Samples)),
		slog.Duration("elapsed", time.Since(started)),
	)
	if clip.SampleRate != e.sampleRate {
		clip = Clip{Samples: wavio.Resample(clip.Samples, clip.SampleRate, e.sampleRate), SampleRate: e.sampleRate}
	}
	return clip, nil
}
