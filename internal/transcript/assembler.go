// Package transcript merges per-segment results into the final time-ordered
// transcript, keeping abandoned segments visible as explicit gaps.
package transcript

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrAssembly marks an index-coverage violation between dispatcher output
// and the expected segment count. This signals a pipeline defect, not an
// environmental failure, and aborts the run.
var ErrAssembly = errors.New("transcript assembly inconsistent")

// SegmentResult is one successfully transcribed segment.
type SegmentResult struct {
	Index      int
	Text       string
	Confidence float64
	StartMS    int
	EndMS      int
	Attempts   int
}

// Gap records a segment that exhausted its retries. It is rendered as an
// explicit marker so coverage holes stay visible downstream.
type Gap struct {
	Index   int
	StartMS int
	EndMS   int
}

// Transcript is the final artifact. Written once per run, never mutated.
type Transcript struct {
	Segments []SegmentResult
	Gaps     []Gap
	Total    int
}

// Assemble orders results by index and verifies that every index below
// total is accounted for exactly once, either as a result or as a gap.
func Assemble(results []SegmentResult, gaps []Gap, total int) (Transcript, error) {
	seen := make(map[int]bool, total)
	for _, r := range results {
		if r.Index < 0 || r.Index >= total {
			return Transcript{}, fmt.Errorf("%w: result index %d out of range [0, %d)", ErrAssembly, r.Index, total)
		}
		if seen[r.Index] {
			return Transcript{}, fmt.Errorf("%w: duplicate index %d", ErrAssembly, r.Index)
		}
		seen[r.Index] = true
	}
	for _, g := range gaps {
		if g.Index < 0 || g.Index >= total {
			return Transcript{}, fmt.Errorf("%w: gap index %d out of range [0, %d)", ErrAssembly, g.Index, total)
		}
		if seen[g.Index] {
			return Transcript{}, fmt.Errorf("%w: duplicate index %d", ErrAssembly, g.Index)
		}
		seen[g.Index] = true
	}
	if len(seen) != total {
		for i := 0; i < total; i++ {
			if !seen[i] {
				return Transcript{}, fmt.Errorf("%w: index %d has neither result nor gap", ErrAssembly, i)
			}
		}
	}

	sorted := append([]SegmentResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	sortedGaps := append([]Gap(nil), gaps...)
	sort.Slice(sortedGaps, func(i, j int) bool { return sortedGaps[i].Index < sortedGaps[j].Index })

	return Transcript{Segments: sorted, Gaps: sortedGaps, Total: total}, nil
}

// Render concatenates segment texts in index order. Segments separated by
// more than paragraphGapMS of audio start a new paragraph; gaps render as
// bracketed markers carrying their timing.
func (t Transcript) Render(paragraphGapMS int) string {
	type entry struct {
		text           string
		startMS, endMS int
	}
	entries := make([]entry, 0, t.Total)
	si, gi := 0, 0
	for idx := 0; idx < t.Total; idx++ {
		if si < len(t.Segments) && t.Segments[si].Index == idx {
			s := t.Segments[si]
			entries = append(entries, entry{text: s.Text, startMS: s.StartMS, endMS: s.EndMS})
			si++
			continue
		}
		g := t.Gaps[gi]
		marker := fmt.Sprintf("[no transcript %s - %s]", formatTimestamp(g.StartMS), formatTimestamp(g.EndMS))
		entries = append(entries, entry{text: marker, startMS: g.StartMS, endMS: g.EndMS})
		gi++
	}

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			if e.startMS-entries[i-1].endMS > paragraphGapMS {
				b.WriteString("\n\n")
			} else {
				b.WriteString(" ")
			}
		}
		b.WriteString(e.text)
	}
	return b.String()
}

func formatTimestamp(ms int) string {
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	frac := ms % 1000
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, frac)
	}
	return fmt.Sprintf("%02d:%02d.%03d", m, s, frac)
}
