package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/voxsplit/voxsplit/internal/config"
)

// ErrDecode marks unreadable or corrupt input audio. Runs fail outright on
// this class; no partial output is produced.
var ErrDecode = errors.New("audio decode failed")

// Track holds one decoded input as mono PCM. Immutable once loaded.
type Track struct {
	Samples    []float32
	SampleRate int
	Source     string
}

// DurationMS returns the track length in whole milliseconds.
func (t Track) DurationMS() int {
	if t.SampleRate == 0 {
		return 0
	}
	return int(int64(len(t.Samples)) * 1000 / int64(t.SampleRate))
}

// SliceMS copies out the samples covering [startMS, endMS), clipped to the
// track bounds.
func (t Track) SliceMS(startMS, endMS int) []float32 {
	start := t.SampleRate * startMS / 1000
	end := t.SampleRate * endMS / 1000
	if start < 0 {
		start = 0
	}
	if end > len(t.Samples) {
		end = len(t.Samples)
	}
	if start >= end {
		return nil
	}
	out := make([]float32, end-start)
	copy(out, t.Samples[start:end])
	return out
}

// Load decodes the file at path into a mono Track. WAV inputs are decoded
// directly; anything else goes through ffmpeg first, downmixed to mono at
// the configured sample rate.
func Load(ctx context.Context, path string, cfg config.AudioConfig, log *slog.Logger) (Track, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return decodeWAV(path)
	}

	tmp, err := os.CreateTemp("", "voxsplit_input_*.wav")
	if err != nil {
		return Track{}, fmt.Errorf("temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	log.Info("transcoding input", slog.String("source", path), slog.Int("sample_rate", cfg.SampleRate))
	if err := transcode(ctx, cfg.FFmpegPath, path, tmpPath, cfg.SampleRate); err != nil {
		return Track{}, err
	}

	track, err := decodeWAV(tmpPath)
	if err != nil {
		return Track{}, err
	}
	track.Source = path
	return track, nil
}

func transcode(ctx context.Context, ffmpegPath, src, dst string, sampleRate int) error {
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-y", "-i", src,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "wav",
		dst,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: ffmpeg: %v: %s", ErrDecode, err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

func decodeWAV(path string) (Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return Track{}, fmt.Errorf("%w: open %s: %v", ErrDecode, path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Track{}, fmt.Errorf("%w: %s is not a valid wav file", ErrDecode, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Track{}, fmt.Errorf("%w: read pcm: %v", ErrDecode, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return Track{}, fmt.Errorf("%w: %s has no consistent sample format", ErrDecode, path)
	}

	return Track{
		Samples:    downmix(buf),
		SampleRate: buf.Format.SampleRate,
		Source:     path,
	}, nil
}

// downmix averages interleaved channels into mono float32 in [-1, 1].
func downmix(buf *gaudio.IntBuffer) []float32 {
	channels := buf.Format.NumChannels
	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += buf.Data[i*channels+c]
		}
		samples[i] = float32(sum) / float32(channels) / scale
	}
	return samples
}

// WriteWAV encodes mono float32 samples as 16-bit PCM at path.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	data := make([]int, len(samples))
	for i, s := range samples {
		v := int(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		data[i] = v
	}
	buffer := &gaudio.IntBuffer{
		Format: &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   data,
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
