// Package pipeline coordinates one transcription run per input file:
// decode, segment, materialize, transcribe, assemble, write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxsplit/voxsplit/internal/audio"
	"github.com/voxsplit/voxsplit/internal/bus"
	"github.com/voxsplit/voxsplit/internal/config"
	"github.com/voxsplit/voxsplit/internal/dispatch"
	"github.com/voxsplit/voxsplit/internal/engine"
	"github.com/voxsplit/voxsplit/internal/protocol"
	"github.com/voxsplit/voxsplit/internal/runstore"
	"github.com/voxsplit/voxsplit/internal/segment"
	"github.com/voxsplit/voxsplit/internal/transcript"
	"github.com/voxsplit/voxsplit/internal/vad"
)

type Stage string

const (
	StageIdle          Stage = "idle"
	StageLoading       Stage = "loading"
	StageSegmenting    Stage = "segmenting"
	StageMaterializing Stage = "materializing"
	StageTranscribing  Stage = "transcribing"
	StageAssembling    Stage = "assembling"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
	StageCancelled     Stage = "cancelled"
)

// Report summarizes one finished run.
type Report struct {
	RunID          string
	Input          string
	Stage          Stage
	TranscriptPath string
	Segments       int
	Succeeded      int
	Abandoned      int
	Elapsed        time.Duration
}

// Controller owns the state of one run at a time. The activity model and
// engine backend are chosen once at construction; stages never branch on
// them again. Store and bus client may be nil.
type Controller struct {
	cfg    config.Config
	model  vad.Model
	eng    engine.Engine
	store  *runstore.Store
	events *bus.Client
	log    *slog.Logger
	tracer trace.Tracer

	stage Stage
	runID string
	input string
}

func New(cfg config.Config, model vad.Model, eng engine.Engine, store *runstore.Store, events *bus.Client, log *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		model:  model,
		eng:    eng,
		store:  store,
		events: events,
		log:    log,
		tracer: otel.Tracer("voxsplit/pipeline"),
		stage:  StageIdle,
	}
}

// Run executes the whole pipeline for one input file. It either writes a
// complete transcript (possibly with explicit gaps) and returns a report,
// or fails cleanly with no transcript written.
func (c *Controller) Run(ctx context.Context, inputPath string) (*Report, error) {
	started := time.Now()
	c.runID = uuid.NewString()
	c.input = inputPath

	runDir := filepath.Join(c.cfg.Output.Dir, runDirName(inputPath))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	if err := c.store.BeginRun(ctx, c.runID, inputPath); err != nil {
		c.log.Warn("failed to record run start", slog.String("error", err.Error()))
	}

	report, err := c.run(ctx, inputPath, runDir)
	if err != nil {
		terminal := StageFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			terminal = StageCancelled
		}
		c.setStage(terminal)
		if serr := c.store.FinishRun(context.WithoutCancel(ctx), c.runID, string(terminal), 0, 0); serr != nil {
			c.log.Warn("failed to record run end", slog.String("error", serr.Error()))
		}
		c.log.Error("run ended without transcript",
			slog.String("run_id", c.runID),
			slog.String("stage", string(terminal)),
			slog.String("error", err.Error()))
		return nil, err
	}

	report.Elapsed = time.Since(started)
	c.setStage(StageDone)
	report.Stage = StageDone
	if serr := c.store.FinishRun(ctx, c.runID, string(StageDone), report.Segments, report.Abandoned); serr != nil {
		c.log.Warn("failed to record run end", slog.String("error", serr.Error()))
	}
	c.log.Info("run complete",
		slog.String("run_id", c.runID),
		slog.Int("segments", report.Segments),
		slog.Int("abandoned", report.Abandoned),
		slog.String("transcript", report.TranscriptPath),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

func (c *Controller) run(ctx context.Context, inputPath, runDir string) (*Report, error) {
	report := &Report{RunID: c.runID, Input: inputPath}

	c.setStage(StageLoading)
	track, err := c.loadTrack(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	c.setStage(StageSegmenting)
	boundaries, err := c.segmentTrack(ctx, track)
	if err != nil {
		return nil, err
	}

	c.setStage(StageMaterializing)
	units, cleanup, err := c.materialize(ctx, track, boundaries, runDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	c.setStage(StageTranscribing)
	jobs, err := c.transcribe(ctx, units, runDir)
	if err != nil {
		return nil, err
	}

	succeeded := 0
	for _, job := range jobs {
		if job.Status == dispatch.StatusSucceeded {
			succeeded++
		}
	}
	if len(units) > 0 && succeeded == 0 {
		return nil, fmt.Errorf("no usable segments: all %d segments abandoned", len(units))
	}

	c.setStage(StageAssembling)
	path, abandoned, err := c.assemble(ctx, jobs, runDir)
	if err != nil {
		return nil, err
	}

	report.TranscriptPath = path
	report.Segments = len(units)
	report.Succeeded = succeeded
	report.Abandoned = abandoned
	return report, nil
}

func (c *Controller) loadTrack(ctx context.Context, inputPath string) (audio.Track, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.load")
	defer span.End()
	return audio.Load(ctx, inputPath, c.cfg.Audio, c.log)
}

func (c *Controller) segmentTrack(ctx context.Context, track audio.Track) ([]vad.Boundary, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.segment")
	defer span.End()
	return vad.Segment(ctx, track, c.cfg.VAD, c.model, c.log)
}

// materialize extracts segment WAVs. With keep_segments they land under the
// run directory; otherwise in a temp dir removed by the returned cleanup.
func (c *Controller) materialize(ctx context.Context, track audio.Track, boundaries []vad.Boundary, runDir string) ([]segment.Unit, func(), error) {
	_, span := c.tracer.Start(ctx, "pipeline.materialize")
	defer span.End()

	dir := filepath.Join(runDir, "wav")
	cleanup := func() {}
	if !c.cfg.Output.KeepSegments {
		tmp, err := os.MkdirTemp("", "voxsplit_segments_*")
		if err != nil {
			return nil, nil, fmt.Errorf("%w: temp segment dir: %v", segment.ErrMaterialization, err)
		}
		dir = tmp
		cleanup = func() { os.RemoveAll(tmp) }
	}

	units, err := segment.Materialize(track, boundaries, c.cfg.Segment, dir, c.log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return units, cleanup, nil
}

func (c *Controller) transcribe(ctx context.Context, units []segment.Unit, runDir string) ([]dispatch.Job, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()

	textDir := ""
	if c.cfg.Output.KeepSegments {
		textDir = filepath.Join(runDir, "txt")
		if err := os.MkdirAll(textDir, 0o755); err != nil {
			c.log.Warn("failed to create transcript artifact dir", slog.String("error", err.Error()))
			textDir = ""
		}
	}

	d := dispatch.New(c.cfg.Engine, c.eng, textDir, c.log)
	d.OnSegment = func(job dispatch.Job) {
		if err := c.store.RecordSegment(ctx, runstore.Segment{
			RunID:    c.runID,
			Index:    job.Unit.Index,
			StartMS:  job.Unit.StartMS,
			EndMS:    job.Unit.EndMS,
			Status:   string(job.Status),
			Attempts: job.Attempts,
			Chars:    len(job.Result.Text),
		}); err != nil {
			c.log.Warn("failed to record segment outcome", slog.String("error", err.Error()))
		}
		c.events.Publish(protocol.SubjectRunSegment, protocol.SegmentEvent{
			RunID:     c.runID,
			Index:     job.Unit.Index,
			Status:    string(job.Status),
			Attempts:  job.Attempts,
			StartMS:   job.Unit.StartMS,
			EndMS:     job.Unit.EndMS,
			Timestamp: time.Now().UTC(),
		})
	}
	return d.Run(ctx, units)
}

// assemble merges job outcomes and writes the transcript atomically.
func (c *Controller) assemble(ctx context.Context, jobs []dispatch.Job, runDir string) (string, int, error) {
	_, span := c.tracer.Start(ctx, "pipeline.assemble")
	defer span.End()

	var results []transcript.SegmentResult
	var gaps []transcript.Gap
	for _, job := range jobs {
		switch job.Status {
		case dispatch.StatusSucceeded:
			results = append(results, transcript.SegmentResult{
				Index:      job.Unit.Index,
				Text:       job.Result.Text,
				Confidence: job.Result.Confidence,
				StartMS:    job.Unit.StartMS,
				EndMS:      job.Unit.EndMS,
				Attempts:   job.Attempts,
			})
		case dispatch.StatusAbandoned:
			gaps = append(gaps, transcript.Gap{
				Index:   job.Unit.Index,
				StartMS: job.Unit.StartMS,
				EndMS:   job.Unit.EndMS,
			})
		default:
			// Anything non-terminal here is a dispatcher defect; Assemble
			// reports it as an index without result or gap.
		}
	}

	tr, err := transcript.Assemble(results, gaps, len(jobs))
	if err != nil {
		return "", 0, err
	}

	path := filepath.Join(runDir, "transcript.txt")
	if err := writeAtomic(path, []byte(tr.Render(c.cfg.Output.ParagraphGapMS)+"\n")); err != nil {
		return "", 0, fmt.Errorf("write transcript: %w", err)
	}
	return path, len(gaps), nil
}

// runDirName keys the run directory by basename plus a hash of the absolute
// input path. Re-running the same file reuses its directory; same-named
// files in different directories never share one.
func runDirName(inputPath string) string {
	abs, err := filepath.Abs(inputPath)
	if err != nil {
		abs = inputPath
	}
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return fmt.Sprintf("%s-%08x", base, crc32.ChecksumIEEE([]byte(abs)))
}

// writeAtomic stages the payload next to the target and renames it into
// place, so a failed run never leaves a partial transcript.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".transcript_*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (c *Controller) setStage(stage Stage) {
	c.stage = stage
	c.log.Info("stage transition",
		slog.String("run_id", c.runID),
		slog.String("stage", string(stage)))
	c.events.Publish(protocol.SubjectRunStage, protocol.RunEvent{
		RunID:     c.runID,
		Input:     c.input,
		Stage:     string(stage),
		Timestamp: time.Now().UTC(),
	})
}
