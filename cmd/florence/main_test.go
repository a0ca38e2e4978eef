package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/florence/internal/wavio"
)

const melody = `<?xml version="1.0" encoding="UTF-8"?>
<score-partwise version="4.0">
  <part-list><score-part id="P1"><part-name>Voice</part-name></score-part></part-list>
  <part id="P1">
    <measure number="1">
      <attributes><divisions>1</divisions></attributes>
      <note><pitch><step>G</step><octave>4</octave></pitch><duration>1</duration><voice>1</voice><lyric number="1"><text>do</text></lyric></note>
      <note><pitch><step>A</step><octave>4</octave></pitch><duration>1</duration><voice>1</voice><lyric number="1"><text>re</text></lyric></note>
    </measure>
  </part>
</score-partwise>`

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`tts:
  mode: mock
history:
  retention_mode: persistent
  path: %s
render:
  input_dir: %s
  output_dir: %s
  workers: 2
`, filepath.Join(dir, "history.db"), filepath.Join(dir, "input"), filepath.Join(dir, "output"))
	path := filepath.Join(dir, "florence.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "input"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input", "scale.musicxml"), []byte(melody), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, path
}

func TestRenderPromptsAndWrites(t *testing.T) {
	dir, cfgPath := writeConfig(t)

	var out bytes.Buffer
	err := runRender(context.Background(), []string{"-config", cfgPath}, strings.NewReader("1\n"), &out)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	wav := filepath.Join(dir, "output", "scale.wav")
	if _, err := os.Stat(wav); err != nil {
		t.Fatalf("expected %s: %v", wav, err)
	}
	if !strings.Contains(out.String(), "2 words") {
		t.Fatalf("unexpected output %q", out.String())
	}

	var hist bytes.Buffer
	if err := runHistory(context.Background(), []string{"-config", cfgPath}, &hist); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(hist.String(), "scale.musicxml") {
		t.Fatalf("history misses the render: %q", hist.String())
	}
}

func TestRenderCancelledSelection(t *testing.T) {
	_, cfgPath := writeConfig(t)

	var out bytes.Buffer
	if err := runRender(context.Background(), []string{"-config", cfgPath}, strings.NewReader("\n"), &out); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out.String(), "no score selected") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestAnalyzeReportsPitch(t *testing.T) {
	const fs = 16000
	x := make([]float64, fs/2)
	for i := range x {
		x[i] = 0.4 * math.Sin(2*math.Pi*220*float64(i)/fs)
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := wavio.WriteFile(path, x, fs); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runAnalyze([]string{"-wav", path}, &out); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	for _, want := range []string{"16000 Hz", "mean f0", "fft size", "1024"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output misses %q:\n%s", want, out.String())
		}
	}
}

func TestEnginesListsMock(t *testing.T) {
	_, cfgPath := writeConfig(t)

	var out bytes.Buffer
	if err := runEngines([]string{"-config", cfgPath}, &out); err != nil {
		t.Fatalf("engines: %v", err)
	}
	if !strings.Contains(out.String(), "mock") || !strings.Contains(out.String(), "exec") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
