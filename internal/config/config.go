package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	MaxSessions            int `mapstructure:"max_sessions"`
	IdleTimeoutSeconds     int `mapstructure:"idle_timeout_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`

	StunServers  []string `mapstructure:"stun_servers"`
	TurnServer   string   `mapstructure:"turn_server"`
	TurnUsername string   `mapstructure:"turn_username"`
	TurnPassword string   `mapstructure:"turn_password"`

	AudioEnabled        bool     `mapstructure:"audio_enabled"`
	AudioSampleRate     int      `mapstructure:"audio_sample_rate"`
	AudioChannels       int      `mapstructure:"audio_channels"`
	AudioCaptureCommand []string `mapstructure:"audio_capture_command"`
	AudioDevice         string   `mapstructure:"audio_device"`

	VideoWidth     int `mapstructure:"video_width"`
	VideoHeight    int `mapstructure:"video_height"`
	Framerate      int `mapstructure:"framerate"`
	MaxFramerate   int `mapstructure:"max_framerate"`
	MinBitrate     int `mapstructure:"min_bitrate"`
	DefaultBitrate int `mapstructure:"default_bitrate"`
	MaxBitrate     int `mapstructure:"max_bitrate"`

	CORSOrigins []string `mapstructure:"cors_origins"`

	BrowserBin               string `mapstructure:"browser_bin"`
	NavigationTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds"`

	VideoCacheDir        string   `mapstructure:"video_cache_dir"`
	VideoCacheMaxMB      int      `mapstructure:"video_cache_max_mb"`
	VideoCacheMaxAgeMins int      `mapstructure:"video_cache_max_age_minutes"`
	VideoFetchCommand    []string `mapstructure:"video_fetch_command"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

func Default() *Config {
	return &Config{
		ListenAddr:               ":8090",
		MaxSessions:              10,
		IdleTimeoutSeconds:       120,
		CleanupIntervalSeconds:   60,
		StunServers:              []string{"stun:stun.l.google.com:19302"},
		AudioEnabled:             true,
		AudioSampleRate:          48000,
		AudioChannels:            2,
		VideoWidth:               720,
		VideoHeight:              1280,
		Framerate:                30,
		MaxFramerate:             60,
		MinBitrate:               500_000,
		DefaultBitrate:           2_000_000,
		MaxBitrate:               5_000_000,
		CORSOrigins:              []string{"*"},
		NavigationTimeoutSeconds: 30,
		VideoCacheDir:            "/var/cache/pagecast/video",
		VideoCacheMaxMB:          2048,
		VideoCacheMaxAgeMins:     360,
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pagecast")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/pagecast")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PAGECAST")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
