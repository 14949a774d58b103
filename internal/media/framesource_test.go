package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"
)

// makeJPEG renders a gradient so re-encodes at different qualities
// produce visibly different payloads.
func makeJPEG(t *testing.T, width, height, quality int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / width), uint8(y * 255 / height), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

// collectSink gathers delivered frames behind a channel.
type collectSink struct {
	quality atomic.Int32
	fps     atomic.Int32
	frames  chan Frame
}

func newCollectSink(quality, fps int) *collectSink {
	s := &collectSink{frames: make(chan Frame, 256)}
	s.quality.Store(int32(quality))
	s.fps.Store(int32(fps))
	return s
}

func (s *collectSink) PushFrame(f Frame) {
	select {
	case s.frames <- f:
	default:
	}
}

func (s *collectSink) Quality() int { return int(s.quality.Load()) }
func (s *collectSink) FPS() int     { return int(s.fps.Load()) }

func (s *collectSink) wait(t *testing.T, n int) []Frame {
	t.Helper()
	out := make([]Frame, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case f := <-s.frames:
			out = append(out, f)
		case <-deadline:
			t.Fatalf("got %d frames, want %d", len(out), n)
		}
	}
	return out
}

func TestFrameSource_OrdinalsStrictlyIncrease(t *testing.T) {
	payload := makeJPEG(t, 64, 64, 80)
	fs := NewFrameSource(FrameSourceConfig{
		Capture: func(context.Context, int) ([]byte, error) { return payload, nil },
		MaxFPS:  60,
	})
	fs.Start()
	defer fs.Stop()

	sink := newCollectSink(80, 30)
	fs.Attach("peer-1", sink)

	frames := sink.wait(t, 10)
	for i := 1; i < len(frames); i++ {
		if frames[i].Ordinal != frames[i-1].Ordinal+1 {
			t.Fatalf("ordinal jumped %d -> %d", frames[i-1].Ordinal, frames[i].Ordinal)
		}
	}
	if frames[0].Ordinal != 1 {
		t.Fatalf("first ordinal = %d, want 1", frames[0].Ordinal)
	}
}

func TestFrameSource_ReencodesPerQuality(t *testing.T) {
	payload := makeJPEG(t, 64, 64, 90)
	fs := NewFrameSource(FrameSourceConfig{
		Capture: func(_ context.Context, quality int) ([]byte, error) {
			// Capture runs at the max subscriber quality.
			if quality != 90 {
				return nil, errors.New("unexpected capture quality")
			}
			return payload, nil
		},
		MaxFPS: 60,
	})
	fs.Start()
	defer fs.Stop()

	high := newCollectSink(90, 30)
	low := newCollectSink(20, 30)
	fs.Attach("high", high)
	fs.Attach("low", low)

	hf := high.wait(t, 3)
	lf := low.wait(t, 3)

	if !bytes.Equal(hf[0].Data, payload) {
		t.Fatal("max-quality subscriber did not get the captured frame")
	}
	if bytes.Equal(lf[0].Data, payload) {
		t.Fatal("low-quality subscriber got the full-quality frame")
	}
	if _, err := DecodeJPEG(lf[0].Data); err != nil {
		t.Fatalf("re-encoded frame not decodable: %v", err)
	}
}

func TestFrameSource_CaptureErrorsDoNotKillLoop(t *testing.T) {
	payload := makeJPEG(t, 32, 32, 75)
	var fail atomic.Bool
	fail.Store(true)
	fs := NewFrameSource(FrameSourceConfig{
		Capture: func(context.Context, int) ([]byte, error) {
			if fail.Load() {
				return nil, errors.New("page gone")
			}
			return payload, nil
		},
		MaxFPS: 60,
	})
	fs.Start()
	defer fs.Stop()

	sink := newCollectSink(75, 30)
	fs.Attach("peer-1", sink)

	// Let some failed ticks pass, then recover.
	time.Sleep(200 * time.Millisecond)
	fail.Store(false)

	sink.wait(t, 3)

	m := fs.Metrics().Snapshot()
	if m.FramesDropped == 0 {
		t.Fatal("capture failures not counted")
	}
	if m.FramesCaptured == 0 {
		t.Fatal("loop never recovered")
	}
}

func TestFrameSource_DetachStopsDelivery(t *testing.T) {
	payload := makeJPEG(t, 32, 32, 75)
	fs := NewFrameSource(FrameSourceConfig{
		Capture: func(context.Context, int) ([]byte, error) { return payload, nil },
		MaxFPS:  60,
	})
	fs.Start()
	defer fs.Stop()

	sink := newCollectSink(75, 30)
	fs.Attach("peer-1", sink)
	sink.wait(t, 2)
	fs.Detach("peer-1")

	if fs.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after detach", fs.Subscribers())
	}

	// Drain anything in flight, then confirm the stream went quiet.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case <-sink.frames:
			continue
		default:
		}
		break
	}
	select {
	case <-sink.frames:
		t.Fatal("frame delivered after detach")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFrameSource_TargetsFollowSubscribers(t *testing.T) {
	fs := NewFrameSource(FrameSourceConfig{
		Capture:        func(context.Context, int) ([]byte, error) { return nil, nil },
		DefaultFPS:     30,
		MaxFPS:         60,
		DefaultQuality: 75,
	})

	if _, _, active := fs.targets(); active {
		t.Fatal("active with no subscribers")
	}

	fs.Attach("a", newCollectSink(50, 20))
	fs.Attach("b", newCollectSink(85, 25))

	fps, quality, active := fs.targets()
	if !active {
		t.Fatal("inactive with subscribers")
	}
	if fps != 25 || quality != 85 {
		t.Fatalf("targets = (%d fps, q%d), want max over sinks (25, 85)", fps, quality)
	}

	// A greedy subscriber is clamped to the ceiling.
	fs.Attach("c", newCollectSink(300, 1000))
	fps, quality, _ = fs.targets()
	if fps != 60 {
		t.Fatalf("fps = %d, want clamp 60", fps)
	}
	if quality != 100 {
		t.Fatalf("quality = %d, want clamp 100", quality)
	}
}

func TestFrameSource_SlowSinkIsDecimated(t *testing.T) {
	payload := makeJPEG(t, 32, 32, 75)
	fs := NewFrameSource(FrameSourceConfig{
		Capture: func(context.Context, int) ([]byte, error) { return payload, nil },
		MaxFPS:  60,
	})
	fs.Start()
	defer fs.Stop()

	fast := newCollectSink(75, 30)
	slow := newCollectSink(75, 5)
	fs.Attach("fast", fast)
	fs.Attach("slow", slow)

	var fastCount, slowCount int
	stop := time.After(time.Second)
drain:
	for {
		select {
		case <-fast.frames:
			fastCount++
		case <-slow.frames:
			slowCount++
		case <-stop:
			break drain
		}
	}

	if slowCount == 0 {
		t.Fatal("slow sink starved entirely")
	}
	if slowCount*2 >= fastCount {
		t.Fatalf("slow sink got %d frames vs fast %d, decimation not applied", slowCount, fastCount)
	}
}
