package browser

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/pagecast/pagecast/internal/logging"
)

var log = logging.L("browser")

// Options controls how the shared Chromium process is launched.
type Options struct {
	// Bin is an explicit browser binary path. Empty means rod resolves one.
	Bin      string
	Headless bool
}

// Launcher owns the single Chromium process shared by all sessions.
// Each session gets its own page (tab) via NewDriver.
type Launcher struct {
	lc      *launcher.Launcher
	browser *rod.Browser
}

// Launch starts Chromium with the flags the renderer needs: sandboxing off
// for container use, automation fingerprint reduced, media autoplay allowed
// so page audio reaches the capture device without a user gesture.
func Launch(opts Options) (*Launcher, error) {
	lc := launcher.New().Headless(opts.Headless)
	if opts.Bin != "" {
		lc = lc.Bin(opts.Bin)
	}

	lc = lc.
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-background-networking").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("disable-blink-features", "AutomationControlled").
		Set("autoplay-policy", "no-user-gesture-required").
		Set("hide-scrollbars").
		Set("no-first-run").
		Set("no-default-browser-check")

	controlURL, err := lc.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		lc.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	log.Info("browser launched", "headless", opts.Headless, "bin", opts.Bin)
	return &Launcher{lc: lc, browser: b}, nil
}

// Close shuts the browser down and kills the process if it lingers.
func (l *Launcher) Close() {
	if l.browser != nil {
		if err := l.browser.Close(); err != nil {
			log.Warn("browser close", logging.KeyError, err)
		}
	}
	if l.lc != nil {
		l.lc.Kill()
		l.lc.Cleanup()
	}
}
