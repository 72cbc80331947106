package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxsplit/voxsplit/internal/audio"
	"github.com/voxsplit/voxsplit/internal/config"
)

// ErrSegmentation marks activity-model failure. Fatal for the run.
var ErrSegmentation = errors.New("segmentation failed")

// Boundary delimits one detected speech region. Boundaries are ordered by
// StartMS, non-overlapping, and never extend past the track duration.
type Boundary struct {
	StartMS int
	EndMS   int
}

func (b Boundary) DurationMS() int {
	return b.EndMS - b.StartMS
}

// Segment scans activity probabilities over the track and returns padded,
// merged speech boundaries. A region opens once probability holds at or
// above the threshold for min_speech_ms and closes after min_silence_ms
// below it. An empty result means no speech, not an error.
func Segment(ctx context.Context, track audio.Track, cfg config.VADConfig, model Model, log *slog.Logger) ([]Boundary, error) {
	probs, err := model.Probabilities(ctx, track.Samples, track.SampleRate, cfg.WindowMS, cfg.HopMS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}
	if len(probs) == 0 {
		return nil, nil
	}

	durationMS := track.DurationMS()
	threshold := float32(cfg.Threshold)
	hop := cfg.HopMS

	var regions []Boundary
	open := false
	regionStart := 0
	speechRun := -1  // hop index where the current above-threshold run began
	silenceRun := -1 // hop index where the current below-threshold run began

	for i, p := range probs {
		above := p >= threshold
		if !open {
			if !above {
				speechRun = -1
				continue
			}
			if speechRun < 0 {
				speechRun = i
			}
			if (i-speechRun+1)*hop >= cfg.MinSpeechMS {
				open = true
				regionStart = speechRun * hop
				silenceRun = -1
			}
			continue
		}
		if above {
			silenceRun = -1
			continue
		}
		if silenceRun < 0 {
			silenceRun = i
		}
		if (i-silenceRun+1)*hop >= cfg.MinSilenceMS {
			regions = append(regions, Boundary{StartMS: regionStart, EndMS: silenceRun * hop})
			open = false
			speechRun = -1
			silenceRun = -1
		}
	}
	if open {
		end := durationMS
		if silenceRun >= 0 {
			end = silenceRun * hop
		}
		regions = append(regions, Boundary{StartMS: regionStart, EndMS: end})
	}

	padded := padAndMerge(regions, cfg.SpeechPadMS, durationMS)
	log.Info("speech regions detected",
		slog.Int("regions", len(padded)),
		slog.Int("track_ms", durationMS))
	return padded, nil
}

// padAndMerge expands each region by padMS on both sides, clips to the track,
// and merges neighbors whose gap after padding closed up.
func padAndMerge(regions []Boundary, padMS, durationMS int) []Boundary {
	var out []Boundary
	for _, r := range regions {
		start := r.StartMS - padMS
		end := r.EndMS + padMS
		if start < 0 {
			start = 0
		}
		if end > durationMS {
			end = durationMS
		}
		if start >= end {
			continue
		}
		if n := len(out); n > 0 && start <= out[n-1].EndMS {
			if end > out[n-1].EndMS {
				out[n-1].EndMS = end
			}
			continue
		}
		out = append(out, Boundary{StartMS: start, EndMS: end})
	}
	return out
}
