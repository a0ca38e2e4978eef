package selector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func inputDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("<score-partwise/>"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestStatic(t *testing.T) {
	path, err := Static("song.musicxml").ScorePath(context.Background())
	if err != nil || path != "song.musicxml" {
		t.Fatalf("got %q, %v", path, err)
	}
	if _, err := Static("").ScorePath(context.Background()); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
}

func TestPromptByNumberAndName(t *testing.T) {
	dir := inputDir(t, "b.mxl", "a.musicxml", "notes.txt")
	var out bytes.Buffer

	p := Prompt{Dir: dir, In: strings.NewReader("2\n"), Out: &out}
	path, err := p.ScorePath(context.Background())
	if err != nil {
		t.Fatalf("ScorePath: %v", err)
	}
	if filepath.Base(path) != "b.mxl" {
		t.Fatalf("picked %s", path)
	}
	if strings.Contains(out.String(), "notes.txt") {
		t.Fatal("non-score file listed")
	}

	p.In = strings.NewReader("a.musicxml\n")
	if path, err = p.ScorePath(context.Background()); err != nil || filepath.Base(path) != "a.musicxml" {
		t.Fatalf("by name: %q, %v", path, err)
	}
}

func TestPromptErrors(t *testing.T) {
	dir := inputDir(t, "a.musicxml")
	cases := map[string]error{
		"\n":      ErrNoSelection,
		"":        ErrNoSelection,
		"7\n":     ErrInvalidChoice,
		"x.mxl\n": ErrInvalidChoice,
	}
	for answer, want := range cases {
		p := Prompt{Dir: dir, In: strings.NewReader(answer)}
		if _, err := p.ScorePath(context.Background()); !errors.Is(err, want) {
			t.Errorf("answer %q: expected %v, got %v", answer, want, err)
		}
	}

	empty := Prompt{Dir: inputDir(t), In: strings.NewReader("1\n")}
	if _, err := empty.ScorePath(context.Background()); !errors.Is(err, ErrNoScores) {
		t.Fatalf("expected ErrNoScores, got %v", err)
	}
}

func TestPromptCancelReleasesPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	p := Prompt{Dir: inputDir(t, "a.musicxml", "b.mxl"), In: r, Out: io.Discard}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.ScorePath(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// the abandoned read must not swallow the next answer
	if _, err := w.WriteString("2\n"); err != nil {
		t.Fatal(err)
	}
	path, err := p.ScorePath(context.Background())
	if err != nil {
		t.Fatalf("ScorePath after cancel: %v", err)
	}
	if filepath.Base(path) != "b.mxl" {
		t.Fatalf("picked %s", path)
	}
}
