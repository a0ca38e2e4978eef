package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/florence/internal/bus"
	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/engine"
	"github.com/loqalabs/florence/internal/protocol"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type fakeRenderer struct {
	dir string
	err error
}

func (f fakeRenderer) RenderWithID(_ context.Context, renderID, scorePath string) (engine.Result, error) {
	res := engine.Result{RenderID: renderID, ScorePath: scorePath}
	if f.err != nil {
		return res, f.err
	}
	res.OutputPath = filepath.Join(f.dir, "song.wav")
	if err := os.WriteFile(res.OutputPath, []byte("wav bytes"), 0o644); err != nil {
		return res, err
	}
	res.Words = 3
	res.Duration = 1500 * time.Millisecond
	return res, nil
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func startService(t *testing.T, renderer Renderer, audio AudioStore) *bus.Client {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	ns := test.RunServer(&opts)
	t.Cleanup(ns.Shutdown)

	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Servers = []string{ns.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	svc := NewRenderService(context.Background(), cfg, client, renderer, audio, slog.Default())
	require.NoError(t, svc.Start())
	require.True(t, svc.Healthy())
	t.Cleanup(svc.Close)
	return client
}

func request(t *testing.T, client *bus.Client, req protocol.RenderRequest) protocol.RenderDone {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var done protocol.RenderDone
	require.NoError(t, client.RequestJSON(ctx, protocol.SubjectRenderRequest, req, &done))
	return done
}

func TestRenderRequestUploadsAudio(t *testing.T) {
	store := &memoryStore{objects: map[string][]byte{}}
	client := startService(t, fakeRenderer{dir: t.TempDir()}, store)

	announced := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectRenderDone, announced)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, client.Conn().Flush())

	done := request(t, client, protocol.RenderRequest{RenderID: "r-1", ScorePath: "input/song.musicxml"})
	require.Empty(t, done.Error)
	require.Equal(t, "r-1", done.RenderID)
	require.Equal(t, "r-1.wav", done.ObjectKey)
	require.Equal(t, 3, done.Words)
	require.Equal(t, int64(1500), done.DurationMS)

	store.mu.Lock()
	require.Equal(t, []byte("wav bytes"), store.objects["r-1.wav"])
	store.mu.Unlock()

	select {
	case msg := <-announced:
		var broadcast protocol.RenderDone
		require.NoError(t, json.Unmarshal(msg.Data, &broadcast))
		require.Equal(t, "r-1", broadcast.RenderID)
	case <-time.After(5 * time.Second):
		t.Fatal("no render done broadcast")
	}
}

func TestRenderRequestAssignsID(t *testing.T) {
	client := startService(t, fakeRenderer{dir: t.TempDir()}, nil)

	done := request(t, client, protocol.RenderRequest{ScorePath: "input/song.musicxml"})
	require.Empty(t, done.Error)
	require.NotEmpty(t, done.RenderID)
	require.Empty(t, done.ObjectKey)
}

func TestRenderFailureIsReported(t *testing.T) {
	client := startService(t, fakeRenderer{err: errors.New("decode: missing lyric")}, nil)

	done := request(t, client, protocol.RenderRequest{RenderID: "r-2", ScorePath: "input/bad.musicxml"})
	require.Equal(t, "decode: missing lyric", done.Error)
	require.Empty(t, done.OutputPath)
}

func TestRenderRequestNeedsScorePath(t *testing.T) {
	client := startService(t, fakeRenderer{dir: t.TempDir()}, nil)

	done := request(t, client, protocol.RenderRequest{RenderID: "r-3"})
	require.Equal(t, "score_path is required", done.Error)
}
