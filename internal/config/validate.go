package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validSampleRates = map[int]bool{
	8000:  true,
	16000: true,
	24000: true,
	48000: true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would cause panics are clamped to safe defaults.
// Other validation errors are logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("max_sessions %d is below minimum 1, clamping", c.MaxSessions))
		c.MaxSessions = 1
	} else if c.MaxSessions > 100 {
		errs = append(errs, fmt.Errorf("max_sessions %d exceeds maximum 100, clamping", c.MaxSessions))
		c.MaxSessions = 100
	}

	if c.IdleTimeoutSeconds < 10 {
		errs = append(errs, fmt.Errorf("idle_timeout_seconds %d is below minimum 10, clamping", c.IdleTimeoutSeconds))
		c.IdleTimeoutSeconds = 10
	}

	if c.CleanupIntervalSeconds < 5 {
		errs = append(errs, fmt.Errorf("cleanup_interval_seconds %d is below minimum 5, clamping", c.CleanupIntervalSeconds))
		c.CleanupIntervalSeconds = 5
	}

	for _, s := range c.StunServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			errs = append(errs, fmt.Errorf("stun server %q must start with stun: or stuns:", s))
		}
	}

	if c.TurnServer != "" && !strings.HasPrefix(c.TurnServer, "turn:") && !strings.HasPrefix(c.TurnServer, "turns:") {
		errs = append(errs, fmt.Errorf("turn_server %q must start with turn: or turns:", c.TurnServer))
	}

	if !validSampleRates[c.AudioSampleRate] {
		errs = append(errs, fmt.Errorf("audio_sample_rate %d is not supported, using 48000", c.AudioSampleRate))
		c.AudioSampleRate = 48000
	}

	if c.AudioChannels != 1 && c.AudioChannels != 2 {
		errs = append(errs, fmt.Errorf("audio_channels %d must be 1 or 2, using 2", c.AudioChannels))
		c.AudioChannels = 2
	}

	if c.VideoWidth < 64 || c.VideoWidth > 4096 {
		errs = append(errs, fmt.Errorf("video_width %d out of range [64, 4096], using 720", c.VideoWidth))
		c.VideoWidth = 720
	}
	if c.VideoHeight < 64 || c.VideoHeight > 4096 {
		errs = append(errs, fmt.Errorf("video_height %d out of range [64, 4096], using 1280", c.VideoHeight))
		c.VideoHeight = 1280
	}

	if c.MaxFramerate < 1 {
		errs = append(errs, fmt.Errorf("max_framerate %d is below minimum 1, using 60", c.MaxFramerate))
		c.MaxFramerate = 60
	}
	if c.Framerate < 1 {
		errs = append(errs, fmt.Errorf("framerate %d is below minimum 1, using 30", c.Framerate))
		c.Framerate = 30
	}
	if c.Framerate > c.MaxFramerate {
		errs = append(errs, fmt.Errorf("framerate %d exceeds max_framerate %d, clamping", c.Framerate, c.MaxFramerate))
		c.Framerate = c.MaxFramerate
	}

	if c.MinBitrate < 1 {
		errs = append(errs, fmt.Errorf("min_bitrate %d is below minimum 1, using 500000", c.MinBitrate))
		c.MinBitrate = 500_000
	}
	if c.MaxBitrate < c.MinBitrate {
		errs = append(errs, fmt.Errorf("max_bitrate %d is below min_bitrate %d, clamping", c.MaxBitrate, c.MinBitrate))
		c.MaxBitrate = c.MinBitrate
	}
	if c.DefaultBitrate < c.MinBitrate {
		errs = append(errs, fmt.Errorf("default_bitrate %d is below min_bitrate, clamping", c.DefaultBitrate))
		c.DefaultBitrate = c.MinBitrate
	} else if c.DefaultBitrate > c.MaxBitrate {
		errs = append(errs, fmt.Errorf("default_bitrate %d exceeds max_bitrate, clamping", c.DefaultBitrate))
		c.DefaultBitrate = c.MaxBitrate
	}

	if c.NavigationTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("navigation_timeout_seconds %d is below minimum 1, using 30", c.NavigationTimeoutSeconds))
		c.NavigationTimeoutSeconds = 30
	}

	if c.VideoCacheMaxMB < 1 {
		errs = append(errs, fmt.Errorf("video_cache_max_mb %d is below minimum 1, using 2048", c.VideoCacheMaxMB))
		c.VideoCacheMaxMB = 2048
	}
	if c.VideoCacheMaxAgeMins < 1 {
		errs = append(errs, fmt.Errorf("video_cache_max_age_minutes %d is below minimum 1, using 360", c.VideoCacheMaxAgeMins))
		c.VideoCacheMaxAgeMins = 360
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
