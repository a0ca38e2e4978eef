// Package service exposes the render engine over the NATS bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/florence/internal/bus"
	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/engine"
	"github.com/loqalabs/florence/internal/protocol"
	"github.com/nats-io/nats.go"
)

const renderTimeout = 10 * time.Minute

// Renderer runs one render under a caller-chosen id.
type Renderer interface {
	RenderWithID(ctx context.Context, renderID, scorePath string) (engine.Result, error)
}

// AudioStore receives finished WAV files.
type AudioStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

type RenderService struct {
	cfg      config.BusConfig
	bus      *bus.Client
	renderer Renderer
	audio    AudioStore
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewRenderService wires a service; audio may be nil to skip uploads.
func NewRenderService(parent context.Context, cfg config.BusConfig, busClient *bus.Client, renderer Renderer, audio AudioStore, log *slog.Logger) *RenderService {
	ctx, cancel := context.WithCancel(parent)
	return &RenderService{
		cfg:      cfg,
		bus:      busClient,
		renderer: renderer,
		audio:    audio,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "render-service")),
	}
}

func (s *RenderService) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRenderRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for render requests", slog.String("subject", protocol.SubjectRenderRequest))
	return nil
}

// Close stops accepting requests and waits for renders in flight.
func (s *RenderService) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *RenderService) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *RenderService) handleRequest(msg *nats.Msg) {
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode render request", slogError(err))
		s.reply(msg, protocol.RenderDone{Error: fmt.Sprintf("decode request: %v", err), Timestamp: time.Now().UTC()})
		return
	}
	if req.RenderID == "" {
		req.RenderID = uuid.NewString()
	}
	if req.ScorePath == "" {
		s.reply(msg, protocol.RenderDone{RenderID: req.RenderID, Error: "score_path is required", Timestamp: time.Now().UTC()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, renderTimeout)
		defer cancel()

		s.reply(msg, s.render(ctx, req))
	}()
}

func (s *RenderService) render(ctx context.Context, req protocol.RenderRequest) protocol.RenderDone {
	done := protocol.RenderDone{RenderID: req.RenderID, ScorePath: req.ScorePath}
	res, err := s.renderer.RenderWithID(ctx, req.RenderID, req.ScorePath)
	done.Words = res.Words
	done.OutputPath = res.OutputPath
	done.DurationMS = res.Duration.Milliseconds()
	done.ElapsedMS = res.Elapsed.Milliseconds()
	done.Timestamp = time.Now().UTC()
	if err != nil {
		s.logger.Warn("render failed", slog.String("render_id", req.RenderID), slogError(err))
		done.Error = err.Error()
		return done
	}
	if s.audio == nil {
		return done
	}

	key, err := s.upload(ctx, req.RenderID, res.OutputPath)
	if err != nil {
		s.logger.Warn("audio upload failed", slog.String("render_id", req.RenderID), slogError(err))
		done.Error = err.Error()
		return done
	}
	done.ObjectKey = key
	return done
}

func (s *RenderService) upload(ctx context.Context, renderID, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read rendered audio: %w", err)
	}
	key := renderID + ".wav"
	if err := s.audio.Put(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// reply publishes the outcome on the done subject and, for request/reply
// callers, on the reply inbox.
func (s *RenderService) reply(msg *nats.Msg, done protocol.RenderDone) {
	if err := s.bus.PublishJSON(protocol.SubjectRenderDone, done); err != nil {
		s.logger.Warn("failed to publish render result", slogError(err))
	}
	if msg.Reply == "" {
		return
	}
	if err := s.bus.PublishJSON(msg.Reply, done); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to respond to render request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
