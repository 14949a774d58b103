package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagecast/pagecast/internal/browser"
	"github.com/pagecast/pagecast/internal/config"
	"github.com/pagecast/pagecast/internal/logging"
	"github.com/pagecast/pagecast/internal/media"
	"github.com/pagecast/pagecast/internal/server"
	"github.com/pagecast/pagecast/internal/session"
	"github.com/pagecast/pagecast/internal/transport"
	"github.com/pagecast/pagecast/internal/videocache"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "pagecast",
	Short: "Pagecast streaming renderer",
	Long:  `Pagecast renders live websites in headless browser sessions and streams them to thin clients over WebRTC`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the renderer",
	Run: func(cmd *cobra.Command, args []string) {
		serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pagecast v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/pagecast/pagecast.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// driverFactory adapts the shared browser launcher to the pool.
type driverFactory struct {
	launcher *browser.Launcher
}

func (f driverFactory) NewDriver(ctx context.Context, width, height int) (session.Driver, error) {
	return f.launcher.NewDriver(ctx, width, height)
}

func serve() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Validate()

	var logOutput *logging.RotatingWriter
	if cfg.LogFile != "" {
		logOutput, err = logging.NewRotatingWriter(cfg.LogFile, 0, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		logging.Init(cfg.LogFormat, cfg.LogLevel, logOutput)
	} else {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	}
	log := logging.L("main")
	log.Info("starting pagecast", "version", version)

	launcher, err := browser.Launch(browser.Options{
		Bin:      cfg.BrowserBin,
		Headless: true,
	})
	if err != nil {
		log.Error("browser launch failed", logging.KeyError, err)
		os.Exit(1)
	}

	pool := session.NewPool(driverFactory{launcher: launcher}, session.PoolConfig{
		MaxSessions:     cfg.MaxSessions,
		IdleTimeout:     time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.CleanupIntervalSeconds) * time.Second,
		DefaultWidth:    cfg.VideoWidth,
		DefaultHeight:   cfg.VideoHeight,
		Framerate:       cfg.Framerate,
		MaxFramerate:    cfg.MaxFramerate,
		Session: session.Config{
			NavigationTimeout: time.Duration(cfg.NavigationTimeoutSeconds) * time.Second,
		},
		Audio: media.AudioConfig{
			Enabled:        cfg.AudioEnabled,
			SampleRate:     cfg.AudioSampleRate,
			Channels:       cfg.AudioChannels,
			CaptureCommand: cfg.AudioCaptureCommand,
			Device:         cfg.AudioDevice,
		},
	})

	registry := transport.NewRegistry(pool)

	videos, err := videocache.New(videocache.Config{
		Dir:          cfg.VideoCacheDir,
		MaxBytes:     int64(cfg.VideoCacheMaxMB) << 20,
		MaxAge:       time.Duration(cfg.VideoCacheMaxAgeMins) * time.Minute,
		FetchCommand: cfg.VideoFetchCommand,
	})
	if err != nil {
		log.Error("video cache init failed", logging.KeyError, err)
		launcher.Close()
		os.Exit(1)
	}

	srv := server.New(cfg, version, pool, registry, videos)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", logging.KeyError, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", logging.KeyError, err)
	}
	registry.CloseAll()
	pool.Shutdown()
	videos.Shutdown()
	launcher.Close()
	if logOutput != nil {
		logOutput.Close()
	}
	log.Info("shutdown complete")
}
