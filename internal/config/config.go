package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	FFmpegPath string `yaml:"ffmpeg_path"`
}

type VADConfig struct {
	Model        string  `yaml:"model"` // energy, exec
	Command      string  `yaml:"command"`
	Threshold    float64 `yaml:"threshold"`
	MinSpeechMS  int     `yaml:"min_speech_ms"`
	MinSilenceMS int     `yaml:"min_silence_ms"`
	SpeechPadMS  int     `yaml:"speech_pad_ms"`
	WindowMS     int     `yaml:"window_ms"`
	HopMS        int     `yaml:"hop_ms"`
}

type SegmentConfig struct {
	MaxSegmentMS int `yaml:"max_segment_ms"`
	MinSegmentMS int `yaml:"min_segment_ms"`
}

type EngineConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	GPUCommand     string `yaml:"gpu_command"`
	PreferGPU      bool   `yaml:"prefer_gpu"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryDelayMS   int    `yaml:"retry_delay_ms"`
	SegmentTimeout int    `yaml:"segment_timeout_s"`
}

type OutputConfig struct {
	Dir            string `yaml:"dir"`
	KeepSegments   bool   `yaml:"keep_segments"`
	ParagraphGapMS int    `yaml:"paragraph_gap_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	RunName   string          `yaml:"run_name"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Segment   SegmentConfig   `yaml:"segment"`
	Engine    EngineConfig    `yaml:"engine"`
	Output    OutputConfig    `yaml:"output"`
	Store     StoreConfig     `yaml:"store"`
	Bus       BusConfig       `yaml:"bus"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file or overrides are
// present. Segmentation defaults follow the reference VAD tuning for
// long-form speech: 0.6 activation, half-second speech minimum, 700 ms
// silence split, 18 s segment ceiling.
func Default() Config {
	return Config{
		RunName: "voxsplit",
		Audio: AudioConfig{
			SampleRate: 16000,
			FFmpegPath: "ffmpeg",
		},
		VAD: VADConfig{
			Model:        "energy",
			Threshold:    0.6,
			MinSpeechMS:  500,
			MinSilenceMS: 700,
			SpeechPadMS:  10,
			WindowMS:     30,
			HopMS:        10,
		},
		Segment: SegmentConfig{
			MaxSegmentMS: 18000,
			MinSegmentMS: 500,
		},
		Engine: EngineConfig{
			Mode:           "exec",
			Command:        "whisper-cli",
			MaxConcurrency: runtime.NumCPU(),
			MaxRetries:     2,
			RetryDelayMS:   500,
			SegmentTimeout: 120,
		},
		Output: OutputConfig{
			Dir:            "./out",
			KeepSegments:   true,
			ParagraphGapMS: 1500,
		},
		Store: StoreConfig{
			Path: "",
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RunName, "VOXSPLIT_RUN_NAME")
	overrideInt(&cfg.Audio.SampleRate, "VOXSPLIT_AUDIO_SAMPLE_RATE")
	overrideString(&cfg.Audio.FFmpegPath, "VOXSPLIT_AUDIO_FFMPEG_PATH")
	overrideString(&cfg.VAD.Model, "VOXSPLIT_VAD_MODEL")
	overrideString(&cfg.VAD.Command, "VOXSPLIT_VAD_COMMAND")
	overrideFloat(&cfg.VAD.Threshold, "VOXSPLIT_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.MinSpeechMS, "VOXSPLIT_VAD_MIN_SPEECH_MS")
	overrideInt(&cfg.VAD.MinSilenceMS, "VOXSPLIT_VAD_MIN_SILENCE_MS")
	overrideInt(&cfg.VAD.SpeechPadMS, "VOXSPLIT_VAD_SPEECH_PAD_MS")
	overrideInt(&cfg.VAD.WindowMS, "VOXSPLIT_VAD_WINDOW_MS")
	overrideInt(&cfg.VAD.HopMS, "VOXSPLIT_VAD_HOP_MS")
	overrideInt(&cfg.Segment.MaxSegmentMS, "VOXSPLIT_SEGMENT_MAX_MS")
	overrideInt(&cfg.Segment.MinSegmentMS, "VOXSPLIT_SEGMENT_MIN_MS")
	overrideString(&cfg.Engine.Mode, "VOXSPLIT_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "VOXSPLIT_ENGINE_COMMAND")
	overrideString(&cfg.Engine.GPUCommand, "VOXSPLIT_ENGINE_GPU_COMMAND")
	overrideBool(&cfg.Engine.PreferGPU, "VOXSPLIT_ENGINE_PREFER_GPU")
	overrideString(&cfg.Engine.ModelPath, "VOXSPLIT_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Language, "VOXSPLIT_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.MaxConcurrency, "VOXSPLIT_ENGINE_MAX_CONCURRENCY")
	overrideInt(&cfg.Engine.MaxRetries, "VOXSPLIT_ENGINE_MAX_RETRIES")
	overrideInt(&cfg.Engine.RetryDelayMS, "VOXSPLIT_ENGINE_RETRY_DELAY_MS")
	overrideInt(&cfg.Engine.SegmentTimeout, "VOXSPLIT_ENGINE_SEGMENT_TIMEOUT_S")
	overrideString(&cfg.Output.Dir, "VOXSPLIT_OUTPUT_DIR")
	overrideBool(&cfg.Output.KeepSegments, "VOXSPLIT_OUTPUT_KEEP_SEGMENTS")
	overrideInt(&cfg.Output.ParagraphGapMS, "VOXSPLIT_OUTPUT_PARAGRAPH_GAP_MS")
	overrideString(&cfg.Store.Path, "VOXSPLIT_STORE_PATH")
	overrideBool(&cfg.Bus.Enabled, "VOXSPLIT_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "VOXSPLIT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXSPLIT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXSPLIT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXSPLIT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXSPLIT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXSPLIT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "VOXSPLIT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXSPLIT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXSPLIT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOXSPLIT_TELEMETRY_PROMETHEUS_BIND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RunName == "" {
		return errors.New("run_name must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	switch cfg.VAD.Model {
	case "energy", "exec":
	default:
		return errors.New("vad.model must be one of energy|exec")
	}
	if cfg.VAD.Model == "exec" && cfg.VAD.Command == "" {
		return errors.New("vad.command must be set when model=exec")
	}
	if cfg.VAD.Threshold <= 0 || cfg.VAD.Threshold >= 1 {
		return errors.New("vad.threshold must be in (0, 1)")
	}
	if cfg.VAD.MinSpeechMS <= 0 {
		return errors.New("vad.min_speech_ms must be positive")
	}
	if cfg.VAD.MinSilenceMS <= 0 {
		return errors.New("vad.min_silence_ms must be positive")
	}
	if cfg.VAD.SpeechPadMS < 0 {
		return errors.New("vad.speech_pad_ms must be >= 0")
	}
	if cfg.VAD.WindowMS <= 0 || cfg.VAD.HopMS <= 0 {
		return errors.New("vad.window_ms and vad.hop_ms must be positive")
	}
	if cfg.VAD.HopMS > cfg.VAD.WindowMS {
		return errors.New("vad.hop_ms must not exceed vad.window_ms")
	}
	if cfg.Segment.MaxSegmentMS <= 0 {
		return errors.New("segment.max_segment_ms must be positive")
	}
	if cfg.Segment.MinSegmentMS < 0 {
		return errors.New("segment.min_segment_ms must be >= 0")
	}
	if cfg.Segment.MinSegmentMS >= cfg.Segment.MaxSegmentMS {
		return errors.New("segment.min_segment_ms must be less than segment.max_segment_ms")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" && cfg.Engine.GPUCommand == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.MaxConcurrency <= 0 {
		return errors.New("engine.max_concurrency must be >= 1")
	}
	if cfg.Engine.MaxRetries < 0 {
		return errors.New("engine.max_retries must be >= 0")
	}
	if cfg.Engine.RetryDelayMS < 0 {
		return errors.New("engine.retry_delay_ms must be >= 0")
	}
	if cfg.Engine.SegmentTimeout <= 0 {
		return errors.New("engine.segment_timeout_s must be positive")
	}
	if cfg.Output.Dir == "" {
		return errors.New("output.dir must not be empty")
	}
	if cfg.Output.ParagraphGapMS < 0 {
		return errors.New("output.paragraph_gap_ms must be >= 0")
	}
	if cfg.Bus.Enabled && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when bus is enabled")
	}
	return nil
}
