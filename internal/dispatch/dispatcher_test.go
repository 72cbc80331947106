package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxsplit/voxsplit/internal/config"
	"github.com/voxsplit/voxsplit/internal/engine"
	"github.com/voxsplit/voxsplit/internal/segment"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrency: 3,
		MaxRetries:     2,
		RetryDelayMS:   0,
		SegmentTimeout: 5,
	}
}

func makeUnits(n int) []segment.Unit {
	units := make([]segment.Unit, n)
	for i := range units {
		units[i] = segment.Unit{
			Index:   i,
			StartMS: i * 2000,
			EndMS:   i*2000 + 1500,
			Path:    fmt.Sprintf("/tmp/%03d.wav", i),
		}
	}
	return units
}

// scriptedEngine fails a configured number of times per path, then succeeds.
// It also tracks the peak number of concurrent calls.
type scriptedEngine struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	text     string
	delay    time.Duration

	cur  atomic.Int32
	peak atomic.Int32
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{failures: map[string]int{}, calls: map[string]int{}}
}

func (e *scriptedEngine) Transcribe(ctx context.Context, wavPath, _ string) (engine.Result, error) {
	cur := e.cur.Add(1)
	for {
		peak := e.peak.Load()
		if cur <= peak || e.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer e.cur.Add(-1)

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	e.calls[wavPath]++
	fail := e.failures[wavPath] > 0
	if fail {
		e.failures[wavPath]--
	}
	e.mu.Unlock()

	if fail {
		return engine.Result{}, fmt.Errorf("%w: scripted failure", engine.ErrEngine)
	}
	text := e.text
	if text == "" {
		text = "segment " + filepath.Base(wavPath)
	}
	return engine.Result{Text: text, Confidence: 0.8}, nil
}

// blockingEngine parks until its context is done.
type blockingEngine struct {
	succeedAfter int32 // calls that should block before one succeeds; <0 blocks forever
	calls        atomic.Int32
}

func (e *blockingEngine) Transcribe(ctx context.Context, wavPath, _ string) (engine.Result, error) {
	n := e.calls.Add(1)
	if e.succeedAfter >= 0 && n > e.succeedAfter {
		return engine.Result{Text: "late success"}, nil
	}
	<-ctx.Done()
	return engine.Result{}, fmt.Errorf("%w: %v", engine.ErrEngine, ctx.Err())
}

func TestRunAllSucceed(t *testing.T) {
	eng := newScriptedEngine()
	eng.delay = 5 * time.Millisecond
	d := New(testConfig(), eng, "", newLogger())

	jobs, err := d.Run(context.Background(), makeUnits(8))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 8 {
		t.Fatalf("expected 8 jobs, got %d", len(jobs))
	}
	for i, job := range jobs {
		if job.Status != StatusSucceeded {
			t.Fatalf("job %d status %s", i, job.Status)
		}
		if job.Attempts != 1 {
			t.Fatalf("job %d attempts %d", i, job.Attempts)
		}
		want := fmt.Sprintf("segment %03d.wav", i)
		if job.Result.Text != want {
			t.Fatalf("job %d result %q, want %q", i, job.Result.Text, want)
		}
	}
	if peak := eng.peak.Load(); peak > 3 {
		t.Fatalf("worker pool exceeded concurrency bound: peak %d", peak)
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	eng := newScriptedEngine()
	units := makeUnits(1)
	eng.failures[units[0].Path] = 1000 // never succeeds

	d := New(testConfig(), eng, "", newLogger())
	jobs, err := d.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs[0].Status != StatusAbandoned {
		t.Fatalf("expected abandoned, got %s", jobs[0].Status)
	}
	// max_retries=2 means exactly 3 engine invocations, never more.
	if jobs[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", jobs[0].Attempts)
	}
	if eng.calls[units[0].Path] != 3 {
		t.Fatalf("expected 3 engine calls, got %d", eng.calls[units[0].Path])
	}
	if jobs[0].Err == nil || !errors.Is(jobs[0].Err, engine.ErrEngine) {
		t.Fatalf("expected engine error recorded, got %v", jobs[0].Err)
	}
}

func TestRunRetryThenSucceed(t *testing.T) {
	eng := newScriptedEngine()
	units := makeUnits(3)
	eng.failures[units[1].Path] = 2

	d := New(testConfig(), eng, "", newLogger())
	jobs, err := d.Run(context.Background(), units)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs[1].Status != StatusSucceeded {
		t.Fatalf("expected success after retries, got %s", jobs[1].Status)
	}
	if jobs[1].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", jobs[1].Attempts)
	}
	if jobs[1].Err != nil {
		t.Fatalf("expected error cleared on success, got %v", jobs[1].Err)
	}
	if jobs[0].Attempts != 1 || jobs[2].Attempts != 1 {
		t.Fatalf("healthy jobs should succeed first try: %d/%d attempts", jobs[0].Attempts, jobs[2].Attempts)
	}
}

func TestRunTimeoutTwiceThenSucceed(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentTimeout = 1
	eng := &blockingEngine{succeedAfter: 2}

	d := New(cfg, eng, "", newLogger())
	jobs, err := d.Run(context.Background(), makeUnits(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs[0].Status != StatusSucceeded {
		t.Fatalf("expected success on third attempt, got %s", jobs[0].Status)
	}
	if jobs[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", jobs[0].Attempts)
	}
	if jobs[0].Result.Text != "late success" {
		t.Fatalf("unexpected result %q", jobs[0].Result.Text)
	}
}

func TestRunCancellationStopsClaiming(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	eng := &blockingEngine{succeedAfter: -1}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	d := New(cfg, eng, "", newLogger())
	jobs, err := d.Run(ctx, makeUnits(4))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	pending := 0
	for _, job := range jobs {
		if job.Status == StatusPending {
			pending++
		}
		if job.Status == StatusSucceeded {
			t.Fatalf("no job should have succeeded: %+v", job)
		}
	}
	if pending == 0 {
		t.Fatal("expected unclaimed jobs to remain pending after cancellation")
	}
}

func TestRunFlattensMultilineText(t *testing.T) {
	eng := newScriptedEngine()
	eng.text = "first line\nsecond line\n\nthird"

	d := New(testConfig(), eng, "", newLogger())
	jobs, err := d.Run(context.Background(), makeUnits(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs[0].Result.Text != "first line second line third" {
		t.Fatalf("expected flattened text, got %q", jobs[0].Result.Text)
	}
}

func TestRunWritesTextArtifacts(t *testing.T) {
	eng := newScriptedEngine()
	dir := t.TempDir()

	d := New(testConfig(), eng, dir, newLogger())
	jobs, err := d.Run(context.Background(), makeUnits(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, job := range jobs {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%03d.txt", job.Unit.Index)))
		if err != nil {
			t.Fatalf("missing artifact for %d: %v", job.Unit.Index, err)
		}
		if string(data) != job.Result.Text+"\n" {
			t.Fatalf("artifact mismatch for %d: %q", job.Unit.Index, data)
		}
	}
}

func TestRunNotifiesTerminalJobs(t *testing.T) {
	eng := newScriptedEngine()
	units := makeUnits(3)
	eng.failures[units[2].Path] = 1000

	var mu sync.Mutex
	seen := map[int]Status{}

	d := New(testConfig(), eng, "", newLogger())
	d.OnSegment = func(job Job) {
		mu.Lock()
		seen[job.Unit.Index] = job.Status
		mu.Unlock()
	}
	if _, err := d.Run(context.Background(), units); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(seen))
	}
	if seen[2] != StatusAbandoned {
		t.Fatalf("expected abandoned notification for job 2, got %s", seen[2])
	}
}
