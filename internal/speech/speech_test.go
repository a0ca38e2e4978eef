package speech

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/wavio"
)

// stubEngine writes a shell script that records its arguments and emits the
// fixture WAV, either to the -w path or to stdout.
func stubEngine(t *testing.T, body string) (script, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub requires a POSIX shell")
	}
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.wav")
	samples := make([]float64, 1600)
	for i := range samples {
		samples[i] = 0.25 * math.Sin(2*math.Pi*200*float64(i)/16000)
	}
	if err := wavio.WriteFile(fixture, samples, 16000); err != nil {
		t.Fatal(err)
	}
	argsFile = filepath.Join(dir, "args.txt")
	script = filepath.Join(dir, "engine.sh")
	content := "#!/bin/sh\nFIXTURE='" + fixture + "'\nARGS='" + argsFile + "'\nprintf '%s\\n' \"$@\" > \"$ARGS\"\n" + body + "\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return script, argsFile
}

func execConfig(script, command string) config.TTSConfig {
	cfg := config.Default().TTS
	cfg.Mode = EngineExec
	cfg.EnginePath = script
	cfg.Command = command
	return cfg
}

func TestExecSynthWritesToOutPath(t *testing.T) {
	script, argsFile := stubEngine(t, `while [ $# -gt 0 ]; do
  if [ "$1" = "-w" ]; then out="$2"; shift; fi
  shift
done
cp "$FIXTURE" "$out"`)

	synth, err := NewExecSynth(execConfig(script, "espeak-ng -v {voice} -w {out} {text}"), nil)
	if err != nil {
		t.Fatalf("NewExecSynth: %v", err)
	}
	clip, err := synth.Synthesize(context.Background(), Request{Text: "ni hao"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.SampleRate != 22050 {
		t.Fatalf("clip rate %d, want resampled 22050", clip.SampleRate)
	}
	if want := int(math.Round(1600 * 22050.0 / 16000)); len(clip.Samples) != want {
		t.Fatalf("got %d samples, want %d", len(clip.Samples), want)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	args := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(args) != 5 {
		t.Fatalf("unexpected args %q", args)
	}
	if args[0] != "-v" || args[1] != "cmn-latn-pinyin" || args[2] != "-w" {
		t.Fatalf("unexpected leading args %q", args)
	}
	if !strings.HasSuffix(args[3], ".wav") {
		t.Fatalf("out placeholder not substituted: %q", args[3])
	}
	if args[4] != "[[ni hao]]" {
		t.Fatalf("text placeholder got %q", args[4])
	}
}

func TestExecSynthReadsStdout(t *testing.T) {
	script, _ := stubEngine(t, `cat "$FIXTURE"`)
	cfg := execConfig(script, "engine {text}")
	cfg.SampleRate = 16000
	synth, err := NewExecSynth(cfg, nil)
	if err != nil {
		t.Fatalf("NewExecSynth: %v", err)
	}
	clip, err := synth.Synthesize(context.Background(), Request{Text: "la"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(clip.Samples) != 1600 || clip.SampleRate != 16000 {
		t.Fatalf("got %d samples at %d Hz", len(clip.Samples), clip.SampleRate)
	}
}

func TestExecSynthTextFormatIsLiteral(t *testing.T) {
	script, argsFile := stubEngine(t, `cat "$FIXTURE"`)
	cfg := execConfig(script, "engine {text}")
	cfg.TextFormat = "<%s>"
	synth, err := NewExecSynth(cfg, nil)
	if err != nil {
		t.Fatalf("NewExecSynth: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), Request{Text: "50%d"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "<50%d>" {
		t.Fatalf("engine got text %q", got)
	}
}

func TestExecSynthFailure(t *testing.T) {
	script, _ := stubEngine(t, `echo "voice missing" >&2
exit 3`)
	synth, err := NewExecSynth(execConfig(script, "engine {text}"), nil)
	if err != nil {
		t.Fatalf("NewExecSynth: %v", err)
	}
	_, err = synth.Synthesize(context.Background(), Request{Text: "la"})
	if !errors.Is(err, ErrEngineFailed) {
		t.Fatalf("expected ErrEngineFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "voice missing") {
		t.Fatalf("stderr not attached: %v", err)
	}
}

func TestExecSynthEmptyTextIsSilence(t *testing.T) {
	script, argsFile := stubEngine(t, `exit 1`)
	synth, err := NewExecSynth(execConfig(script, "engine {text}"), nil)
	if err != nil {
		t.Fatalf("NewExecSynth: %v", err)
	}
	clip, err := synth.Synthesize(context.Background(), Request{Text: "  "})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if want := int(0.2 * 22050); len(clip.Samples) != want {
		t.Fatalf("silence length %d, want %d", len(clip.Samples), want)
	}
	for _, v := range clip.Samples {
		if v != 0 {
			t.Fatal("silence contains signal")
		}
	}
	if _, err := os.Stat(argsFile); !os.IsNotExist(err) {
		t.Fatal("engine should not run for empty text")
	}
}

func TestEngineNotFound(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Command = "florence-no-such-engine {text}"
	if _, err := NewExecSynth(cfg, nil); !errors.Is(err, ErrEngineNotFound) {
		t.Fatalf("expected ErrEngineNotFound from PATH lookup, got %v", err)
	}
	cfg.EnginePath = filepath.Join(t.TempDir(), "missing")
	if _, err := NewExecSynth(cfg, nil); !errors.Is(err, ErrEngineNotFound) {
		t.Fatalf("expected ErrEngineNotFound from engine path, got %v", err)
	}
}

func TestMockSynth(t *testing.T) {
	synth := NewMockSynth(16000)
	a, err := synth.Synthesize(context.Background(), Request{Text: "la"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := synth.Synthesize(context.Background(), Request{Text: "other"})
	if len(a.Samples) != 4800 || len(b.Samples) != len(a.Samples) {
		t.Fatalf("mock clip length %d", len(a.Samples))
	}
	for i := range a.Samples {
		if a.Samples[i] != b.Samples[i] {
			t.Fatal("mock output is not deterministic")
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := synth.Synthesize(ctx, Request{Text: "la"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Command = "florence-no-such-engine {text}"
	reg := NewRegistry(cfg, nil)

	engines := reg.Engines()
	if len(engines) != 2 || engines[0].Name != EngineExec || engines[1].Name != EngineMock {
		t.Fatalf("unexpected engine order %+v", engines)
	}
	if engines[0].Available {
		t.Fatal("exec engine should be unavailable")
	}

	synth, name, err := reg.New(EngineAuto)
	if err != nil {
		t.Fatalf("auto: %v", err)
	}
	if name != EngineMock {
		t.Fatalf("auto chose %q", name)
	}
	if _, ok := synth.(*MockSynth); !ok {
		t.Fatalf("auto returned %T", synth)
	}

	if _, _, err := reg.New(EngineExec); !errors.Is(err, ErrEngineNotFound) {
		t.Fatalf("explicit exec should fail with ErrEngineNotFound, got %v", err)
	}
	if _, _, err := reg.New("festival"); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("expected ErrUnknownEngine, got %v", err)
	}
}

func TestRegistryPrefersExec(t *testing.T) {
	script, _ := stubEngine(t, `cat "$FIXTURE"`)
	reg := NewRegistry(execConfig(script, "engine {text}"), nil)
	_, name, err := reg.New(EngineAuto)
	if err != nil {
		t.Fatal(err)
	}
	if name != EngineExec {
		t.Fatalf("auto chose %q, want exec", name)
	}
}
