package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VAD.Threshold != 0.6 {
		t.Fatalf("expected default threshold 0.6, got %v", cfg.VAD.Threshold)
	}
	if cfg.VAD.MinSilenceMS != 700 {
		t.Fatalf("expected default min silence 700, got %d", cfg.VAD.MinSilenceMS)
	}
	if cfg.Segment.MaxSegmentMS != 18000 {
		t.Fatalf("expected default max segment 18000, got %d", cfg.Segment.MaxSegmentMS)
	}
	if cfg.Engine.MaxRetries != 2 {
		t.Fatalf("expected default max retries 2, got %d", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.MaxConcurrency < 1 {
		t.Fatalf("expected positive default concurrency, got %d", cfg.Engine.MaxConcurrency)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXSPLIT_VAD_THRESHOLD", "0.45")
	t.Setenv("VOXSPLIT_VAD_MIN_SPEECH_MS", "250")
	t.Setenv("VOXSPLIT_SEGMENT_MAX_MS", "30000")
	t.Setenv("VOXSPLIT_ENGINE_MODE", "mock")
	t.Setenv("VOXSPLIT_ENGINE_MAX_CONCURRENCY", "3")
	t.Setenv("VOXSPLIT_ENGINE_MAX_RETRIES", "5")
	t.Setenv("VOXSPLIT_BUS_ENABLED", "true")
	t.Setenv("VOXSPLIT_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOXSPLIT_STORE_PATH", "./runs.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.VAD.Threshold != 0.45 {
		t.Fatalf("expected threshold override, got %v", cfg.VAD.Threshold)
	}
	if cfg.VAD.MinSpeechMS != 250 {
		t.Fatalf("expected min speech override, got %d", cfg.VAD.MinSpeechMS)
	}
	if cfg.Segment.MaxSegmentMS != 30000 {
		t.Fatalf("expected max segment override, got %d", cfg.Segment.MaxSegmentMS)
	}
	if cfg.Engine.Mode != "mock" {
		t.Fatalf("expected engine mode override, got %s", cfg.Engine.Mode)
	}
	if cfg.Engine.MaxConcurrency != 3 {
		t.Fatalf("expected concurrency override, got %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.MaxRetries != 5 {
		t.Fatalf("expected retries override, got %d", cfg.Engine.MaxRetries)
	}
	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Store.Path != "./runs.db" {
		t.Fatalf("expected store path override, got %s", cfg.Store.Path)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold out of range", func(c *Config) { c.VAD.Threshold = 1.5 }},
		{"exec vad without command", func(c *Config) { c.VAD.Model = "exec" }},
		{"hop exceeds window", func(c *Config) { c.VAD.HopMS = 60 }},
		{"min segment above max", func(c *Config) { c.Segment.MinSegmentMS = 20000 }},
		{"unknown engine mode", func(c *Config) { c.Engine.Mode = "remote" }},
		{"exec engine without command", func(c *Config) { c.Engine.Command = ""; c.Engine.GPUCommand = "" }},
		{"zero concurrency", func(c *Config) { c.Engine.MaxConcurrency = 0 }},
		{"empty output dir", func(c *Config) { c.Output.Dir = "" }},
		{"bus enabled without servers", func(c *Config) { c.Bus.Enabled = true; c.Bus.Servers = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
