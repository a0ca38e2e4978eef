// Package selector decides which score a render works on.
package selector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/florence/internal/score"
)

var (
	// ErrNoSelection means the user chose nothing; callers treat it as a
	// cancellation rather than a failure.
	ErrNoSelection   = errors.New("selector: no score selected")
	ErrNoScores      = errors.New("selector: no scores found")
	ErrInvalidChoice = errors.New("selector: invalid choice")
)

// Source yields the path of the score to render.
type Source interface {
	ScorePath(ctx context.Context) (string, error)
}

// Static is a path fixed up front, typically from the command line.
type Static string

func (s Static) ScorePath(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoSelection
	}
	return string(s), nil
}

// Prompt lists the scores in Dir on Out and reads the user's choice, by
// number or file name, from In. If ctx ends while waiting, a read on an In
// without read deadlines (anything but an *os.File pipe or terminal) is left
// pending until In delivers a line or EOF.
type Prompt struct {
	Dir string
	In  io.Reader
	Out io.Writer
}

func (p Prompt) ScorePath(ctx context.Context) (string, error) {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create input dir: %w", err)
	}
	scores, err := List(p.Dir)
	if err != nil {
		return "", err
	}
	if len(scores) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoScores, p.Dir)
	}

	out := p.Out
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "Scores in %s:\n", p.Dir)
	for i, s := range scores {
		fmt.Fprintf(out, "  %d) %s\n", i+1, filepath.Base(s))
	}
	fmt.Fprintf(out, "Select a score [1-%d]: ", len(scores))

	answer, err := readLine(ctx, p.In)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", ErrNoSelection
	}
	if n, err := strconv.Atoi(answer); err == nil {
		if n < 1 || n > len(scores) {
			return "", fmt.Errorf("%w: %d is not between 1 and %d", ErrInvalidChoice, n, len(scores))
		}
		return scores[n-1], nil
	}
	for _, s := range scores {
		if filepath.Base(s) == answer {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChoice, answer)
}

// deadliner is implemented by *os.File for pipes and terminals.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// readLine reads one line from in unless ctx ends first. When in supports
// read deadlines the pending read is interrupted and its goroutine exits;
// otherwise the read stays blocked until in yields data or EOF.
func readLine(ctx context.Context, in io.Reader) (string, error) {
	if in == nil {
		return "", ErrNoSelection
	}
	dl, canInterrupt := in.(deadliner)
	if canInterrupt && dl.SetReadDeadline(time.Time{}) != nil {
		canInterrupt = false
	}
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		done <- result{strings.TrimSpace(line), err}
	}()
	select {
	case <-ctx.Done():
		if canInterrupt && dl.SetReadDeadline(time.Now()) == nil {
			<-done
		}
		return "", ctx.Err()
	case r := <-done:
		return r.line, r.err
	}
}

// List returns the score files directly inside dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var scores []string
	for _, e := range entries {
		if e.IsDir() || !score.Supported(e.Name()) {
			continue
		}
		scores = append(scores, filepath.Join(dir, e.Name()))
	}
	sort.Strings(scores)
	return scores, nil
}
