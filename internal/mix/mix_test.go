package mix

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/song"
	"github.com/loqalabs/florence/internal/wavio"
)

func ones(n int, v float64) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = v
	}
	return x
}

func connector(t *testing.T, curve string) *Connector {
	t.Helper()
	cfg := config.Default().Render
	cfg.SampleRate = 1000
	cfg.FadeCurve = curve
	c, err := NewConnector(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCrossfadeLengthAndEndpoints(t *testing.T) {
	for _, curve := range []string{"linear", "cosine", "exp"} {
		t.Run(curve, func(t *testing.T) {
			c := connector(t, curve)
			a := ones(10, 1)
			b := ones(8, -1)
			out := c.Crossfade(a, b, 4)
			if len(out) != len(a)+len(b)-4 {
				t.Fatalf("length %d, want %d", len(out), len(a)+len(b)-4)
			}
			if out[6] != 1 {
				t.Fatalf("fade start %v, want exactly a", out[6])
			}
			if out[9] != -1 {
				t.Fatalf("fade end %v, want exactly b", out[9])
			}
			if out[7] >= 1 || out[7] <= -1 {
				t.Fatalf("fade interior %v not blended", out[7])
			}
		})
	}
}

func TestCrossfadeWithoutOverlapConcatenates(t *testing.T) {
	c := connector(t, "linear")
	out := c.Crossfade([]float64{1, 2}, []float64{3}, 0)
	if len(out) != 3 || out[2] != 3 {
		t.Fatalf("unexpected %v", out)
	}
	if got := c.Crossfade([]float64{1, 2}, []float64{3}, 5); len(got) != 2 {
		t.Fatalf("overlap should clamp to shorter input, got %v", got)
	}
}

func TestParseCurve(t *testing.T) {
	if _, err := ParseCurve("square"); !errors.Is(err, ErrUnknownCurve) {
		t.Fatalf("expected ErrUnknownCurve, got %v", err)
	}
	if c, _ := ParseCurve(""); c != Linear {
		t.Fatalf("empty curve should default to linear, got %q", c)
	}
}

func TestConnectTrackPlacesSectionsAtOffsets(t *testing.T) {
	c := connector(t, "linear")
	tr := song.Track{Sections: []song.Section{
		{Start: 0, Words: []song.Word{
			{Start: 0, End: 100 * time.Millisecond, Wave: ones(100, 0.5)},
			{Start: 150 * time.Millisecond, End: 250 * time.Millisecond, Wave: ones(100, 0.25)},
			{Start: 250 * time.Millisecond, End: 300 * time.Millisecond},
		}},
		{Start: 1000 * time.Millisecond, Words: []song.Word{
			{Start: 1000 * time.Millisecond, End: 1100 * time.Millisecond, Wave: ones(100, -0.5)},
		}},
	}}
	c.ConnectTrack(&tr)

	if got := len(tr.Sections[0].Wave); got != 250 {
		t.Fatalf("first section has %d samples, want 250", got)
	}
	if tr.Sections[0].Wave[120] != 0 || tr.Sections[0].Wave[200] != 0.25 {
		t.Fatal("word offsets not respected inside section")
	}
	if got := len(tr.Wave); got != 1100 {
		t.Fatalf("track has %d samples, want 1100", got)
	}
	if tr.Wave[500] != 0 || tr.Wave[1050] != -0.5 {
		t.Fatal("section offsets not respected in track")
	}
}

func TestConnectSectionCrossfadesCollisions(t *testing.T) {
	c := connector(t, "linear") // 20 ms * 0.25 at 1 kHz = 5 samples
	sec := song.Section{Words: []song.Word{
		{Start: 0, Wave: ones(100, 1)},
		{Start: 80 * time.Millisecond, Wave: ones(50, -1)},
	}}
	c.ConnectSection(&sec)
	if len(sec.Wave) != 130 {
		t.Fatalf("section has %d samples, want 130", len(sec.Wave))
	}
	if sec.Wave[79] != 1 || sec.Wave[80] != 1 || sec.Wave[84] != -1 || sec.Wave[100] != -1 {
		t.Fatalf("unexpected crossfade %v", sec.Wave[78:86])
	}
}

func TestRendererLimitsAndCapsGain(t *testing.T) {
	r := NewRenderer(config.Default().Render)
	loud := &song.Song{Tracks: []song.Track{{Wave: ones(100, 0.9)}, {Wave: ones(50, 0.9)}}}
	out := r.Render(loud)
	if len(out) != 100 {
		t.Fatalf("length %d", len(out))
	}
	for _, v := range out {
		if v > 1 || v < -1 {
			t.Fatalf("sample %v outside [-1, 1]", v)
		}
	}

	quiet := &song.Song{Tracks: []song.Track{{Wave: ones(100, 0.001)}}}
	out = r.Render(quiet)
	if math.Abs(out[0]-0.004) > 1e-12 {
		t.Fatalf("gain not capped at 4: %v", out[0])
	}

	normal := &song.Song{Tracks: []song.Track{{Wave: ones(100, 0.05)}}}
	out = r.Render(normal)
	if math.Abs(rootMeanSquare(out)-0.1) > 1e-12 {
		t.Fatalf("rms %v, want 0.1", rootMeanSquare(out))
	}
}

func TestRendererWrite(t *testing.T) {
	r := NewRenderer(config.Default().Render)
	s := &song.Song{Name: "tune", SampleRate: 22050, Tracks: []song.Track{{Wave: ones(2205, 0.1)}}}
	r.Render(s)
	path, err := r.Write(s, filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != "tune.wav" {
		t.Fatalf("output named %s", path)
	}
	clip, err := wavio.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(clip.Samples) != 2205 || clip.SampleRate != 22050 {
		t.Fatalf("wrote %d samples at %d Hz", len(clip.Samples), clip.SampleRate)
	}
}

func TestAnalyze(t *testing.T) {
	if q := Analyze(nil); q != (Quality{}) {
		t.Fatalf("empty quality %+v", q)
	}
	x := []float64{1, -1, 1, -1}
	q := Analyze(x)
	if q.RMS != 1 || q.ZeroCrossingRate != 0.75 {
		t.Fatalf("unexpected quality %+v", q)
	}
	if q.EstimatedSNR != 0 {
		t.Fatalf("constant magnitude should give 0 dB, got %v", q.EstimatedSNR)
	}
}
