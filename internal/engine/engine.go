// Package engine abstracts the external speech-to-text capability invoked
// once per segment.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxsplit/voxsplit/internal/config"
)

// ErrEngine marks a per-segment engine failure. Transient: the dispatcher
// retries and eventually abandons the segment instead of aborting the run.
var ErrEngine = errors.New("engine failure")

// Result captures engine output for one segment.
type Result struct {
	Text       string
	Confidence float64
}

// Engine transcribes a single segment WAV. Implementations must honor
// context cancellation so per-attempt timeouts hold.
type Engine interface {
	Transcribe(ctx context.Context, wavPath, language string) (Result, error)
}

// New selects the backend once at construction time. With mode=exec the
// GPU command wins when prefer_gpu is set and a GPU command is configured;
// the rest of the pipeline never branches on the variant again.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(), nil
	case "exec":
		command := cfg.Command
		if cfg.PreferGPU && cfg.GPUCommand != "" {
			command = cfg.GPUCommand
		}
		if command == "" {
			command = cfg.GPUCommand
		}
		return newExecEngine(command, cfg.ModelPath)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
