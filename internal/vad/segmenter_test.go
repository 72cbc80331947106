package vad

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/voxsplit/voxsplit/internal/audio"
	"github.com/voxsplit/voxsplit/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubModel struct {
	probs []float32
	err   error
}

func (s stubModel) Probabilities(context.Context, []float32, int, int, int) ([]float32, error) {
	return s.probs, s.err
}

func testConfig() config.VADConfig {
	return config.VADConfig{
		Threshold:    0.6,
		MinSpeechMS:  500,
		MinSilenceMS: 500,
		SpeechPadMS:  200,
		WindowMS:     30,
		HopMS:        10,
	}
}

// probsFor builds one probability per 10 ms hop over totalMS, high inside the
// given speech spans.
func probsFor(totalMS int, speech []Boundary) []float32 {
	probs := make([]float32, totalMS/10)
	for i := range probs {
		ms := i * 10
		for _, s := range speech {
			if ms >= s.StartMS && ms < s.EndMS {
				probs[i] = 0.95
			}
		}
	}
	return probs
}

func track(durationMS int) audio.Track {
	return audio.Track{Samples: make([]float32, 16*durationMS), SampleRate: 16000}
}

func TestSegmentTwoRegionsWithPadding(t *testing.T) {
	speech := []Boundary{{StartMS: 2000, EndMS: 8000}, {StartMS: 15000, EndMS: 40000}}
	model := stubModel{probs: probsFor(60000, speech)}

	got, err := Segment(context.Background(), track(60000), testConfig(), model, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Boundary{{StartMS: 1800, EndMS: 8200}, {StartMS: 14800, EndMS: 40200}}
	if len(got) != len(want) {
		t.Fatalf("expected %d boundaries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("boundary %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestSegmentNoSpeech(t *testing.T) {
	model := stubModel{probs: make([]float32, 1000)}
	got, err := Segment(context.Background(), track(10000), testConfig(), model, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no boundaries, got %v", got)
	}
}

func TestSegmentIgnoresShortBlip(t *testing.T) {
	// 200 ms of activity is below the 500 ms speech minimum.
	model := stubModel{probs: probsFor(10000, []Boundary{{StartMS: 3000, EndMS: 3200}})}
	got, err := Segment(context.Background(), track(10000), testConfig(), model, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no boundaries, got %v", got)
	}
}

func TestSegmentBridgesShortSilence(t *testing.T) {
	// 300 ms dip is below the 500 ms silence minimum; one region expected.
	model := stubModel{probs: probsFor(10000, []Boundary{
		{StartMS: 1000, EndMS: 3000},
		{StartMS: 3300, EndMS: 5000},
	})}
	got, err := Segment(context.Background(), track(10000), testConfig(), model, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one boundary, got %v", got)
	}
	if got[0].StartMS != 800 || got[0].EndMS != 5200 {
		t.Fatalf("expected [800, 5200], got %+v", got[0])
	}
}

func TestSegmentMergesWhenPaddingClosesGap(t *testing.T) {
	// 500 ms silence splits the regions, then 2x300 ms padding overlaps the
	// gap and the regions merge back.
	cfg := testConfig()
	cfg.SpeechPadMS = 300
	model := stubModel{probs: probsFor(10000, []Boundary{
		{StartMS: 1000, EndMS: 3000},
		{StartMS: 3500, EndMS: 5000},
	})}
	got, err := Segment(context.Background(), track(10000), cfg, model, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected merged boundary, got %v", got)
	}
	if got[0].StartMS != 700 || got[0].EndMS != 5300 {
		t.Fatalf("expected [700, 5300], got %+v", got[0])
	}
}

func TestSegmentModelFailure(t *testing.T) {
	model := stubModel{err: errors.New("model crashed")}
	_, err := Segment(context.Background(), track(10000), testConfig(), model, newLogger())
	if !errors.Is(err, ErrSegmentation) {
		t.Fatalf("expected ErrSegmentation, got %v", err)
	}
}

func TestEnergyModelDetectsTone(t *testing.T) {
	rate := 16000
	samples := make([]float32, rate*4)
	for i := rate; i < 3*rate; i++ { // tone in [1s, 3s)
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}

	probs, err := NewEnergyModel().Probabilities(context.Background(), samples, rate, 30, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(probs) == 0 {
		t.Fatal("expected probabilities")
	}
	// Hop 150 is 1.5 s, inside the tone; hop 10 is 100 ms, inside silence.
	if probs[150] < 0.9 {
		t.Fatalf("expected high probability inside tone, got %f", probs[150])
	}
	if probs[10] > 0.1 {
		t.Fatalf("expected low probability inside silence, got %f", probs[10])
	}
}

func TestEnergyModelSilentTrack(t *testing.T) {
	probs, err := NewEnergyModel().Probabilities(context.Background(), make([]float32, 16000), 16000, 30, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, p := range probs {
		if p != 0 {
			t.Fatalf("expected zero probability at %d, got %f", i, p)
		}
	}
}
