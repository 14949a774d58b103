package config

import "testing"

func TestValidate_DefaultsAreClean(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config produced %d validation errors: %v", len(errs), errs)
	}
}

func TestValidate_ClampsSessionLimits(t *testing.T) {
	cfg := Default()
	cfg.MaxSessions = 0
	cfg.IdleTimeoutSeconds = 1
	cfg.CleanupIntervalSeconds = 0

	errs := cfg.Validate()
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(errs), errs)
	}
	if cfg.MaxSessions != 1 {
		t.Fatalf("max_sessions = %d, want clamp 1", cfg.MaxSessions)
	}
	if cfg.IdleTimeoutSeconds != 10 {
		t.Fatalf("idle_timeout_seconds = %d, want clamp 10", cfg.IdleTimeoutSeconds)
	}
	if cfg.CleanupIntervalSeconds != 5 {
		t.Fatalf("cleanup_interval_seconds = %d, want clamp 5", cfg.CleanupIntervalSeconds)
	}

	cfg.MaxSessions = 500
	cfg.Validate()
	if cfg.MaxSessions != 100 {
		t.Fatalf("max_sessions = %d, want clamp 100", cfg.MaxSessions)
	}
}

func TestValidate_AudioFallsBackToSaneValues(t *testing.T) {
	cfg := Default()
	cfg.AudioSampleRate = 44100
	cfg.AudioChannels = 6

	cfg.Validate()
	if cfg.AudioSampleRate != 48000 {
		t.Fatalf("audio_sample_rate = %d, want 48000", cfg.AudioSampleRate)
	}
	if cfg.AudioChannels != 2 {
		t.Fatalf("audio_channels = %d, want 2", cfg.AudioChannels)
	}
}

func TestValidate_VideoRanges(t *testing.T) {
	cfg := Default()
	cfg.VideoWidth = 10
	cfg.VideoHeight = 9999
	cfg.Framerate = 120
	cfg.MaxFramerate = 60

	cfg.Validate()
	if cfg.VideoWidth != 720 || cfg.VideoHeight != 1280 {
		t.Fatalf("viewport = %dx%d, want defaults", cfg.VideoWidth, cfg.VideoHeight)
	}
	if cfg.Framerate != 60 {
		t.Fatalf("framerate = %d, want clamp to max 60", cfg.Framerate)
	}
}

func TestValidate_BitrateOrdering(t *testing.T) {
	cfg := Default()
	cfg.MinBitrate = 1_000_000
	cfg.MaxBitrate = 400_000
	cfg.DefaultBitrate = 200_000

	cfg.Validate()
	if cfg.MaxBitrate != cfg.MinBitrate {
		t.Fatalf("max_bitrate = %d, want raised to min %d", cfg.MaxBitrate, cfg.MinBitrate)
	}
	if cfg.DefaultBitrate < cfg.MinBitrate || cfg.DefaultBitrate > cfg.MaxBitrate {
		t.Fatalf("default_bitrate = %d outside [%d, %d]", cfg.DefaultBitrate, cfg.MinBitrate, cfg.MaxBitrate)
	}
}

func TestValidate_ICEURLSchemes(t *testing.T) {
	cfg := Default()
	cfg.StunServers = []string{"stun:stun.example.com:3478", "https://wrong.example.com"}
	cfg.TurnServer = "udp://turn.example.com"

	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
}

func TestValidate_LogSettings(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	cfg.LogFormat = "xml"

	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}

	cfg = Default()
	cfg.LogLevel = "WARN"
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("mixed-case level rejected: %v", errs)
	}
}
