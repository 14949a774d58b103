package media

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

// ErrNoEncoder means no H264 backend is available on this build.
var ErrNoEncoder = errors.New("media: no h264 encoder available")

// EncoderConfig describes one H264 encoder instance.
type EncoderConfig struct {
	Width       int
	Height      int
	FPS         int
	BitrateKbps int
	// KeyintFrames is the keyframe interval. Zero means two seconds.
	KeyintFrames int
}

func (c *EncoderConfig) fill() {
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.BitrateKbps <= 0 {
		c.BitrateKbps = 2000
	}
	if c.KeyintFrames <= 0 {
		c.KeyintFrames = 2 * c.FPS
	}
}

// encoderBackend is one concrete H264 implementation. Encode returns
// Annex-B bytes, or nil when the codec is buffering.
type encoderBackend interface {
	Encode(img *image.RGBA, forceKeyframe bool) ([]byte, error)
	SetBitrate(kbps int) error
	SetFPS(fps int) error
	Close() error
	Name() string
}

type backendFactory struct {
	name   string
	create func(EncoderConfig) (encoderBackend, error)
}

var (
	factoriesMu sync.Mutex
	factories   []backendFactory
)

// registerEncoderFactory is called from init() in backend files.
func registerEncoderFactory(name string, create func(EncoderConfig) (encoderBackend, error)) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories = append(factories, backendFactory{name: name, create: create})
}

// VideoEncoder turns JPEG stills into an H264 elementary stream. One
// instance per peer; safe for use from a single pipeline goroutine plus
// concurrent control calls.
type VideoEncoder struct {
	mu          sync.Mutex
	cfg         EncoderConfig
	backend     encoderBackend
	factoryName string
	forceKF     bool
}

// NewVideoEncoder picks the first backend that initializes. Returns
// ErrNoEncoder when the build carries none.
func NewVideoEncoder(cfg EncoderConfig) (*VideoEncoder, error) {
	cfg.fill()

	factoriesMu.Lock()
	available := append([]backendFactory(nil), factories...)
	factoriesMu.Unlock()

	var lastErr error
	for _, f := range available {
		backend, err := f.create(cfg)
		if err == nil && backend != nil {
			log.Debug("video encoder backend selected", "backend", backend.Name())
			return &VideoEncoder{cfg: cfg, backend: backend, factoryName: f.name}, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEncoder, lastErr)
	}
	return nil, ErrNoEncoder
}

// EncodeJPEG decodes one JPEG still and encodes it. A dimension change
// (viewport resize) re-initializes the backend transparently. Returns
// nil bytes while the codec buffers.
func (v *VideoEncoder) EncodeJPEG(data []byte) ([]byte, error) {
	img, err := DecodeJPEG(data)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return nil, ErrNoEncoder
	}

	b := img.Bounds()
	if b.Dx() != v.cfg.Width || b.Dy() != v.cfg.Height {
		if err := v.reinitLocked(b.Dx(), b.Dy()); err != nil {
			return nil, err
		}
		v.forceKF = true
	}

	out, err := v.backend.Encode(img, v.forceKF)
	if err != nil {
		return nil, err
	}
	v.forceKF = false
	return out, nil
}

func (v *VideoEncoder) reinitLocked(width, height int) error {
	name := v.factoryName
	_ = v.backend.Close()
	v.backend = nil

	cfg := v.cfg
	cfg.Width = width
	cfg.Height = height

	factoriesMu.Lock()
	available := append([]backendFactory(nil), factories...)
	factoriesMu.Unlock()
	for _, f := range available {
		if f.name != name {
			continue
		}
		backend, err := f.create(cfg)
		if err != nil {
			return fmt.Errorf("reinit encoder %s: %w", name, err)
		}
		v.backend = backend
		v.cfg = cfg
		return nil
	}
	return ErrNoEncoder
}

// ForceKeyframe makes the next encoded frame an IDR.
func (v *VideoEncoder) ForceKeyframe() {
	v.mu.Lock()
	v.forceKF = true
	v.mu.Unlock()
}

// SetBitrate retargets the encoder.
func (v *VideoEncoder) SetBitrate(kbps int) error {
	if kbps <= 0 {
		return fmt.Errorf("media: invalid bitrate %d", kbps)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ErrNoEncoder
	}
	if err := v.backend.SetBitrate(kbps); err != nil {
		return err
	}
	v.cfg.BitrateKbps = kbps
	return nil
}

// SetFPS retargets the encoder clock.
func (v *VideoEncoder) SetFPS(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("media: invalid fps %d", fps)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ErrNoEncoder
	}
	if err := v.backend.SetFPS(fps); err != nil {
		return err
	}
	v.cfg.FPS = fps
	return nil
}

// Name reports the active backend.
func (v *VideoEncoder) Name() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return "none"
	}
	return v.backend.Name()
}

// Close releases the backend. Encode calls after Close fail.
func (v *VideoEncoder) Close() error {
	v.mu.Lock()
	backend := v.backend
	v.backend = nil
	v.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}
