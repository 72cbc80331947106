package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/voxsplit/voxsplit/internal/audio"
	"github.com/voxsplit/voxsplit/internal/config"
	"github.com/voxsplit/voxsplit/internal/vad"
)

// ErrMaterialization marks segment extraction failure. Fatal for the run.
var ErrMaterialization = errors.New("segment materialization failed")

// splitHopMS is the search resolution for the quiet-point sub-split.
const splitHopMS = 10

// Unit is one transcribable slice of the input. Index is the stable ordering
// key for the rest of the pipeline; Path points at the extracted WAV.
type Unit struct {
	Index   int
	StartMS int
	EndMS   int
	Path    string
}

func (u Unit) DurationMS() int {
	return u.EndMS - u.StartMS
}

// Materialize turns boundaries into segment units under dir. Regions shorter
// than min_segment_ms are merged into their following neighbor (the last one
// stretches toward the track end); regions longer than max_segment_ms are
// sub-split at the quietest interior point, so every unit stays within
// bounded engine latency.
func Materialize(track audio.Track, boundaries []vad.Boundary, cfg config.SegmentConfig, dir string, log *slog.Logger) ([]Unit, error) {
	regions := make([]vad.Boundary, 0, len(boundaries))
	for _, b := range boundaries {
		if b.StartMS >= b.EndMS {
			continue
		}
		regions = append(regions, b)
	}

	regions = mergeShort(regions, cfg.MinSegmentMS, track.DurationMS())

	var split []vad.Boundary
	for _, r := range regions {
		split = appendSplit(split, track, r, cfg.MaxSegmentMS, cfg.MinSegmentMS)
	}

	if len(split) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create segment dir: %v", ErrMaterialization, err)
	}

	units := make([]Unit, 0, len(split))
	for i, r := range split {
		path := filepath.Join(dir, fmt.Sprintf("%03d.wav", i))
		if err := audio.WriteWAV(path, track.SliceMS(r.StartMS, r.EndMS), track.SampleRate); err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrMaterialization, i, err)
		}
		units = append(units, Unit{Index: i, StartMS: r.StartMS, EndMS: r.EndMS, Path: path})
	}

	log.Info("segments materialized",
		slog.Int("boundaries", len(boundaries)),
		slog.Int("units", len(units)),
		slog.String("dir", dir))
	return units, nil
}

// mergeShort folds regions below minMS into the following neighbor. A short
// final region stretches toward the track end instead, and stays short only
// when the track end comes first.
func mergeShort(regions []vad.Boundary, minMS, durationMS int) []vad.Boundary {
	var out []vad.Boundary
	carryStart := -1
	for i, r := range regions {
		start := r.StartMS
		if carryStart >= 0 {
			start = carryStart
			carryStart = -1
		}
		if r.EndMS-start >= minMS {
			out = append(out, vad.Boundary{StartMS: start, EndMS: r.EndMS})
			continue
		}
		if i < len(regions)-1 {
			carryStart = start
			continue
		}
		end := start + minMS
		if end > durationMS {
			end = durationMS
		}
		out = append(out, vad.Boundary{StartMS: start, EndMS: end})
	}
	return out
}

// appendSplit recursively cuts r at its quietest interior point until every
// piece fits maxMS. Split happens after short-region merging, so the cut
// point must keep both halves at or above minMS.
func appendSplit(out []vad.Boundary, track audio.Track, r vad.Boundary, maxMS, minMS int) []vad.Boundary {
	if r.DurationMS() <= maxMS {
		return append(out, r)
	}
	cut := quietestCut(track, r, minMS)
	out = appendSplit(out, track, vad.Boundary{StartMS: r.StartMS, EndMS: cut}, maxMS, minMS)
	return appendSplit(out, track, vad.Boundary{StartMS: cut, EndMS: r.EndMS}, maxMS, minMS)
}

// quietestCut searches the middle 80% of the region, shrunk so no half falls
// below minMS, for the lowest-energy hop. It falls back to the midpoint when
// the search window is empty.
func quietestCut(track audio.Track, r vad.Boundary, minMS int) int {
	duration := r.DurationMS()
	lo := r.StartMS + duration/10
	hi := r.EndMS - duration/10
	if floor := r.StartMS + minMS; lo < floor {
		lo = floor
	}
	if ceil := r.EndMS - minMS; hi > ceil {
		hi = ceil
	}
	if hi-lo < splitHopMS {
		return r.StartMS + duration/2
	}

	best := r.StartMS + duration/2
	bestEnergy := float64(-1)
	for t := lo; t+splitHopMS <= hi; t += splitHopMS {
		window := track.SliceMS(t, t+splitHopMS)
		if len(window) == 0 {
			continue
		}
		var sum float64
		for _, s := range window {
			sum += float64(s) * float64(s)
		}
		if bestEnergy < 0 || sum < bestEnergy {
			bestEnergy = sum
			best = t
		}
	}
	return best
}
