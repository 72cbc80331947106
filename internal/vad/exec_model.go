package vad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/voxsplit/voxsplit/internal/audio"
)

// execModel shells out to an external VAD network runner. The runner receives
// the track as 16-bit PCM WAV and prints a JSON array of per-window speech
// probabilities on stdout.
type execModel struct {
	cmd []string
	mu  sync.Mutex
}

func NewExecModel(command string) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse vad command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("vad command is empty")
	}
	return &execModel{cmd: args}, nil
}

func (m *execModel) Probabilities(ctx context.Context, samples []float32, sampleRate, windowMS, hopMS int) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.CreateTemp("", "voxsplit_vad_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	file.Close()
	defer os.Remove(path)

	if err := audio.WriteWAV(path, samples, sampleRate); err != nil {
		return nil, err
	}

	base := m.cmd[0]
	args := append([]string{}, m.cmd[1:]...)
	args = append(args,
		"--audio", path,
		"--window-ms", strconv.Itoa(windowMS),
		"--hop-ms", strconv.Itoa(hopMS),
	)

	command := exec.CommandContext(ctx, base, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("vad command failed: %w: %s", err, stderr.String())
	}

	var probs []float32
	if err := json.Unmarshal(stdout.Bytes(), &probs); err != nil {
		return nil, fmt.Errorf("decode vad response: %w", err)
	}
	for i, p := range probs {
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("vad probability %d out of range: %f", i, p)
		}
	}
	return probs, nil
}
