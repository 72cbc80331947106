// Package dispatch fans segment transcription out over a bounded worker
// pool. Workers claim jobs through an atomic counter, so a segment is never
// transcribed by two workers at once, and per-segment failures degrade the
// run instead of aborting it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxsplit/voxsplit/internal/config"
	"github.com/voxsplit/voxsplit/internal/engine"
	"github.com/voxsplit/voxsplit/internal/segment"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Job tracks the lifecycle of one segment's transcription. Attempts counts
// engine invocations, so an abandoned job carries Attempts == 1+max_retries.
type Job struct {
	Unit     segment.Unit
	Status   Status
	Attempts int
	Result   engine.Result
	Err      error
}

type Dispatcher struct {
	cfg     config.EngineConfig
	eng     engine.Engine
	textDir string
	log     *slog.Logger

	// OnSegment, when set, is called once per job reaching a terminal
	// state. Invoked from worker goroutines.
	OnSegment func(Job)

	attempts  metric.Int64Counter
	retries   metric.Int64Counter
	abandoned metric.Int64Counter
	duration  metric.Float64Histogram
}

// New builds a dispatcher. textDir, when non-empty, receives one NNN.txt
// artifact per succeeded segment; artifact failures are logged, never fatal.
func New(cfg config.EngineConfig, eng engine.Engine, textDir string, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{cfg: cfg, eng: eng, textDir: textDir, log: log}

	meter := otel.Meter("voxsplit/dispatch")
	if c, err := meter.Int64Counter("voxsplit.dispatch.attempts"); err == nil {
		d.attempts = c
	}
	if c, err := meter.Int64Counter("voxsplit.dispatch.retries"); err == nil {
		d.retries = c
	}
	if c, err := meter.Int64Counter("voxsplit.dispatch.abandoned"); err == nil {
		d.abandoned = c
	}
	if h, err := meter.Float64Histogram("voxsplit.dispatch.attempt_seconds"); err == nil {
		d.duration = h
	}
	return d
}

// Run drains all units and returns every job in its terminal state, indexed
// like units. On cancellation it stops claiming pending jobs, lets running
// attempts wind down, and returns the context error; callers must not use
// the partial results.
func (d *Dispatcher) Run(ctx context.Context, units []segment.Unit) ([]Job, error) {
	jobs := make([]Job, len(units))
	for i, u := range units {
		jobs[i] = Job{Unit: u, Status: StatusPending}
	}
	if len(jobs) == 0 {
		return jobs, ctx.Err()
	}

	workers := d.cfg.MaxConcurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}
	d.log.Info("dispatching segments",
		slog.Int("segments", len(jobs)),
		slog.Int("workers", workers))

	var claim atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				idx := int(claim.Add(1)) - 1
				if idx >= len(jobs) {
					return
				}
				d.process(ctx, &jobs[idx])
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return jobs, err
	}
	return jobs, nil
}

func (d *Dispatcher) process(ctx context.Context, job *Job) {
	for {
		job.Status = StatusRunning
		job.Attempts++

		res, timedOut, err := d.attempt(ctx, job.Unit)
		if err == nil {
			res.Text = flattenText(res.Text)
			job.Result = res
			job.Status = StatusSucceeded
			job.Err = nil
			d.writeArtifact(job)
			d.log.Info("segment transcribed",
				slog.Int("index", job.Unit.Index),
				slog.Int("attempts", job.Attempts))
			d.notify(*job)
			return
		}

		job.Err = err
		if ctx.Err() != nil {
			// Run cancelled; the cut-short attempt stays a failure and
			// the job is not retried.
			job.Status = StatusFailed
			return
		}

		reason := "error"
		if timedOut {
			reason = "timeout"
		}
		if job.Attempts > d.cfg.MaxRetries {
			job.Status = StatusAbandoned
			d.count(ctx, d.abandoned, attribute.String("reason", reason))
			d.log.Warn("segment abandoned",
				slog.Int("index", job.Unit.Index),
				slog.Int("attempts", job.Attempts),
				slog.String("error", err.Error()))
			d.notify(*job)
			return
		}

		job.Status = StatusPending
		d.count(ctx, d.retries, attribute.String("reason", reason))
		d.log.Warn("segment attempt failed, retrying",
			slog.Int("index", job.Unit.Index),
			slog.Int("attempt", job.Attempts),
			slog.String("reason", reason),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(d.cfg.RetryDelayMS) * time.Millisecond):
		}
	}
}

// attempt runs one engine invocation under the per-segment timeout.
func (d *Dispatcher) attempt(ctx context.Context, unit segment.Unit) (engine.Result, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.SegmentTimeout)*time.Second)
	start := time.Now()
	res, err := d.eng.Transcribe(attemptCtx, unit.Path, d.cfg.Language)
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	cancel()

	status := "ok"
	if err != nil {
		status = "failed"
	}
	d.count(ctx, d.attempts, attribute.String("status", status))
	if d.duration != nil {
		d.duration.Record(ctx, time.Since(start).Seconds())
	}
	return res, timedOut, err
}

func (d *Dispatcher) writeArtifact(job *Job) {
	if d.textDir == "" {
		return
	}
	path := filepath.Join(d.textDir, fmt.Sprintf("%03d.txt", job.Unit.Index))
	if err := os.WriteFile(path, []byte(job.Result.Text+"\n"), 0o644); err != nil {
		d.log.Warn("failed to write segment transcript",
			slog.Int("index", job.Unit.Index),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) notify(job Job) {
	if d.OnSegment != nil {
		d.OnSegment(job)
	}
}

func (d *Dispatcher) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// flattenText collapses engine output onto a single line, matching the
// per-segment cleanup the transcript assembler expects.
func flattenText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
