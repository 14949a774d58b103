package media

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pagecast/pagecast/internal/logging"
)

// AudioFrameDuration is the fixed chunk size the source emits.
const AudioFrameDuration = 20 * time.Millisecond

// AudioSink receives paced PCM frames. pts counts samples per channel
// and advances by exactly one frame per delivery.
type AudioSink interface {
	PushAudio(pcm []byte, pts uint64)
}

// AudioConfig tunes one session's audio capture.
type AudioConfig struct {
	Enabled    bool
	SampleRate int
	Channels   int
	// CaptureCommand overrides the default parec invocation. The command
	// must write raw s16le PCM at the configured rate to stdout.
	CaptureCommand []string
	// Device is the pulse source passed to parec (-d). Empty uses the
	// server default source.
	Device string
}

func (c *AudioConfig) fill() {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
}

type audioSub struct {
	sink AudioSink
	pts  uint64 // loop goroutine only
}

// AudioSource captures PCM from a subprocess and fans fixed 20 ms frames
// out to subscribers on a steady clock. When the capture process is
// missing or dead the clock keeps running and silence is substituted, so
// downstream Opus tracks never starve.
type AudioSource struct {
	cfg             AudioConfig
	frameBytes      int
	samplesPerFrame int
	silence         []byte

	ring chan []byte
	cmd  *exec.Cmd

	mu   sync.Mutex
	subs map[string]*audioSub

	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	errMu      sync.Mutex
	lastErrLog time.Time
}

// NewAudioSource creates an idle audio source.
func NewAudioSource(cfg AudioConfig) *AudioSource {
	cfg.fill()
	samplesPerFrame := cfg.SampleRate / 50 // 20 ms
	frameBytes := samplesPerFrame * cfg.Channels * 2
	return &AudioSource{
		cfg:             cfg,
		frameBytes:      frameBytes,
		samplesPerFrame: samplesPerFrame,
		silence:         make([]byte, frameBytes),
		ring:            make(chan []byte, 16),
		subs:            make(map[string]*audioSub),
		done:            make(chan struct{}),
	}
}

// SamplesPerFrame returns the per-channel sample count of one frame.
func (a *AudioSource) SamplesPerFrame() int { return a.samplesPerFrame }

// SampleRate returns the configured capture rate.
func (a *AudioSource) SampleRate() int { return a.cfg.SampleRate }

// Channels returns the configured channel count.
func (a *AudioSource) Channels() int { return a.cfg.Channels }

// Start launches the pacing loop and, when enabled, the capture
// subprocess. A capture spawn failure is returned but the loop still
// runs; subscribers hear silence.
func (a *AudioSource) Start() error {
	var spawnErr error
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.loop()

		if !a.cfg.Enabled {
			return
		}
		spawnErr = a.spawnCapture()
	})
	return spawnErr
}

// Stop halts the loop and kills the capture process.
func (a *AudioSource) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		if a.cmd != nil && a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
	})
	a.wg.Wait()
}

// Attach registers a subscriber. Its pts starts at zero.
func (a *AudioSource) Attach(id string, sink AudioSink) {
	a.mu.Lock()
	a.subs[id] = &audioSub{sink: sink}
	a.mu.Unlock()
}

// Detach removes a subscriber.
func (a *AudioSource) Detach(id string) {
	a.mu.Lock()
	delete(a.subs, id)
	a.mu.Unlock()
}

func (a *AudioSource) captureArgs() []string {
	if len(a.cfg.CaptureCommand) > 0 {
		return a.cfg.CaptureCommand
	}
	args := []string{
		"parec",
		"--format=s16le",
		"--rate=" + strconv.Itoa(a.cfg.SampleRate),
		"--channels=" + strconv.Itoa(a.cfg.Channels),
		"--latency-msec=20",
	}
	if a.cfg.Device != "" {
		args = append(args, "-d", a.cfg.Device)
	}
	return args
}

func (a *AudioSource) spawnCapture() error {
	argv := a.captureArgs()
	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audio capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("audio capture start: %w", err)
	}
	a.cmd = cmd

	a.wg.Add(1)
	go a.reader(stdout)
	log.Info("audio capture started", "command", argv[0], "rate", a.cfg.SampleRate, "channels", a.cfg.Channels)
	return nil
}

// reader pulls whole frames off the capture process. On EOF or error it
// exits; the pacing loop degrades to silence.
func (a *AudioSource) reader(r io.Reader) {
	defer a.wg.Done()
	defer func() {
		if a.cmd != nil {
			_ = a.cmd.Wait()
		}
	}()

	for {
		buf := make([]byte, a.frameBytes)
		if _, err := io.ReadFull(r, buf); err != nil {
			select {
			case <-a.done:
			default:
				a.logCaptureError(err)
			}
			return
		}
		select {
		case a.ring <- buf:
		case <-a.done:
			return
		default:
			// Ring full: drop the oldest frame to stay near real time.
			select {
			case <-a.ring:
			default:
			}
			select {
			case a.ring <- buf:
			default:
			}
		}
	}
}

// logCaptureError reports capture death at most once per minute.
func (a *AudioSource) logCaptureError(err error) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if time.Since(a.lastErrLog) < time.Minute {
		return
	}
	a.lastErrLog = time.Now()
	log.Warn("audio capture stopped, substituting silence", logging.KeyError, err)
}

// nextFrame returns the oldest captured frame, or silence.
func (a *AudioSource) nextFrame() []byte {
	select {
	case buf := <-a.ring:
		return buf
	default:
		return a.silence
	}
}

func (a *AudioSource) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(AudioFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			frame := a.nextFrame()

			a.mu.Lock()
			subs := make([]*audioSub, 0, len(a.subs))
			for _, sub := range a.subs {
				subs = append(subs, sub)
			}
			a.mu.Unlock()

			for _, sub := range subs {
				sub.sink.PushAudio(frame, sub.pts)
				sub.pts += uint64(a.samplesPerFrame)
			}
		}
	}
}
