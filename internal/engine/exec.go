package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd       []string
	modelPath string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func newExecEngine(command, modelPath string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args, modelPath: modelPath}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, wavPath, language string) (Result, error) {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", wavPath)
	if e.modelPath != "" {
		args = append(args, "--model", e.modelPath)
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	command := exec.CommandContext(ctx, base, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrEngine, ctx.Err())
		}
		return Result{}, fmt.Errorf("%w: command: %v: %s", ErrEngine, err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("%w: malformed output: %v", ErrEngine, err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}
