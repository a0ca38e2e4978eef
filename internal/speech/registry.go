package speech

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/loqalabs/florence/internal/config"
)

const (
	EngineExec = "exec"
	EngineMock = "mock"
	EngineAuto = "auto"
)

// EngineInfo describes one engine known to the registry.
type EngineInfo struct {
	Name      string
	Priority  int // lower is preferred
	Available bool
	Detail    string
}

// Registry chooses a synthesizer from configuration.
type Registry struct {
	cfg    config.TTSConfig
	logger *slog.Logger
}

func NewRegistry(cfg config.TTSConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{cfg: cfg, logger: logger}
}

// Engines probes every engine and returns them in priority order.
func (r *Registry) Engines() []EngineInfo {
	engines := []EngineInfo{
		{Name: EngineMock, Priority: 100, Available: true, Detail: fmt.Sprintf("%.0f Hz test tone", mockPitch)},
	}
	execInfo := EngineInfo{Name: EngineExec, Priority: 10}
	if args, err := parseCommand(r.cfg.Command); err != nil {
		execInfo.Detail = err.Error()
	} else if path, err := resolveEngine(r.cfg.EnginePath, args[0]); err != nil {
		execInfo.Detail = err.Error()
	} else {
		execInfo.Available = true
		execInfo.Detail = path
	}
	engines = append(engines, execInfo)
	sort.Slice(engines, func(i, j int) bool { return engines[i].Priority < engines[j].Priority })
	return engines
}

// New builds the synthesizer for mode and reports which engine it chose. In
// auto mode the most preferred available engine wins.
func (r *Registry) New(mode string) (Synthesizer, string, error) {
	switch mode {
	case EngineExec:
		synth, err := NewExecSynth(r.cfg, r.logger)
		if err != nil {
			return nil, "", err
		}
		return synth, EngineExec, nil
	case EngineMock:
		return NewMockSynth(r.cfg.SampleRate), EngineMock, nil
	case EngineAuto, "":
		for _, info := range r.Engines() {
			if !info.Available {
				r.logger.Info("speech engine unavailable", slog.String("engine", info.Name), slog.String("detail", info.Detail))
				continue
			}
			return r.New(info.Name)
		}
		return nil, "", ErrEngineNotFound
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownEngine, mode)
	}
}
