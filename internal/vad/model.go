package vad

import (
	"context"
	"math"
)

// Model estimates speech activity. Implementations return one probability in
// [0, 1] per analysis window: windows are windowMS long and advance by hopMS.
type Model interface {
	Probabilities(ctx context.Context, samples []float32, sampleRate, windowMS, hopMS int) ([]float32, error)
}

// EnergyModel is the built-in fallback: relative RMS energy per window,
// normalized against the loudest window of the track. It has no notion of
// speech versus other sound; use the exec model for a real VAD network.
type EnergyModel struct{}

func NewEnergyModel() Model {
	return EnergyModel{}
}

func (EnergyModel) Probabilities(_ context.Context, samples []float32, sampleRate, windowMS, hopMS int) ([]float32, error) {
	window := sampleRate * windowMS / 1000
	hop := sampleRate * hopMS / 1000
	if window <= 0 || hop <= 0 || len(samples) < window {
		return nil, nil
	}

	var probs []float32
	var peak float32
	for start := 0; start+window <= len(samples); start += hop {
		rms := rms(samples[start : start+window])
		if rms > peak {
			peak = rms
		}
		probs = append(probs, rms)
	}
	if peak == 0 {
		for i := range probs {
			probs[i] = 0
		}
		return probs, nil
	}
	for i := range probs {
		probs[i] /= peak
	}
	return probs, nil
}

func rms(window []float32) float32 {
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(window))))
}
