package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/pagecast/pagecast/internal/logging"
	"github.com/pagecast/pagecast/internal/media"
)

// iceGatherTimeout caps how long CreateOffer waits for candidates.
const iceGatherTimeout = 10 * time.Second

// keyframeMinInterval rate-limits PLI-driven keyframe requests.
const keyframeMinInterval = 500 * time.Millisecond

// Session is the slice of the session surface a peer needs.
type Session interface {
	SessionCommands
	ID() string
	Video() *media.FrameSource
	Audio() *media.AudioSource
	OnClose(peerID string, fn func()) error
	RemoveOnClose(peerID string)
}

// PeerConfig carries the per-connection parameters.
type PeerConfig struct {
	ICEServers []webrtc.ICEServer

	VideoWidth  int
	VideoHeight int
	Framerate   int

	MinBitrate     int // bps
	DefaultBitrate int // bps
	MaxBitrate     int // bps
	DefaultQuality int

	AudioSampleRate int
	AudioChannels   int

	// Client viewport from the join message; zero means unadvertised.
	ClientWidth  int
	ClientHeight int

	Adaptive AdaptiveConfig
}

// Peer is one WebRTC connection bound to one session: an H264 video
// track, an Opus audio track and a reliable ordered "input" data channel.
// The server side creates the offer.
type Peer struct {
	id   string
	sess Session
	cfg  PeerConfig
	log  *slog.Logger

	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	dc         *webrtc.DataChannel

	enc     *media.VideoEncoder
	opusEnc *opus.Encoder
	ctrl    *Controller
	router  *InputRouter

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	onClosed  func(*Peer)

	// Video pipeline goroutine only.
	lastFrameTS time.Time
	lastEncLog  time.Time

	// Audio pipeline goroutine only.
	pcmBuf  []int16
	opusBuf []byte

	// RTCP goroutine only.
	lastKeyframe time.Time
}

// NewPeer builds the connection, tracks and data channel, attaches to the
// session's media fan-out and registers for session close. The returned
// peer is not yet negotiated; call CreateOffer next.
func NewPeer(cfg PeerConfig, sess Session, onClosed func(*Peer)) (*Peer, error) {
	id := uuid.NewString()
	plog := logging.L("peer").With(
		slog.String(logging.KeyPeer, id),
		slog.String(logging.KeySession, sess.ID()),
	)

	width, height := sess.Viewport()
	enc, err := media.NewVideoEncoder(media.EncoderConfig{
		Width:       width,
		Height:      height,
		FPS:         cfg.Framerate,
		BitrateKbps: cfg.DefaultBitrate / 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("video encoder: %w", err)
	}

	opusEnc, err := opus.NewEncoder(cfg.AudioSampleRate, cfg.AudioChannels, opus.AppAudio)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	p := &Peer{
		id:       id,
		sess:     sess,
		cfg:      cfg,
		log:      plog,
		pc:       pc,
		enc:      enc,
		opusEnc:  opusEnc,
		ctrl:     NewController(cfg.Adaptive, cfg.DefaultQuality, cfg.Framerate),
		done:     make(chan struct{}),
		onClosed: onClosed,
		opusBuf:  make([]byte, 4000),
	}
	p.router = NewInputRouter(sess, cfg.ClientWidth, cfg.ClientHeight, p.applyControl)

	p.videoTrack, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}, "video", "pagecast")
	if err != nil {
		p.teardownEarly()
		return nil, fmt.Errorf("video track: %w", err)
	}
	videoSender, err := pc.AddTrack(p.videoTrack)
	if err != nil {
		p.teardownEarly()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	p.audioTrack, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  uint16(cfg.AudioChannels),
	}, "audio", "pagecast")
	if err != nil {
		p.teardownEarly()
		return nil, fmt.Errorf("audio track: %w", err)
	}
	if _, err := pc.AddTrack(p.audioTrack); err != nil {
		p.teardownEarly()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	p.dc, err = pc.CreateDataChannel("input", nil)
	if err != nil {
		p.teardownEarly()
		return nil, fmt.Errorf("input channel: %w", err)
	}
	p.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.router.HandleMessage(ctx, msg.Data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.connected.Store(true)
			p.enc.ForceKeyframe()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.Close()
		}
	})

	go p.rtcpLoop(videoSender)

	if err := sess.OnClose(id, p.sessionClosing); err != nil {
		p.teardownEarly()
		return nil, err
	}
	sess.Video().Attach(id, p)
	sess.Audio().Attach(id, p)

	p.log.Info("peer created")
	return p, nil
}

func (p *Peer) teardownEarly() {
	_ = p.pc.Close()
	_ = p.enc.Close()
}

// ID returns the peer identifier.
func (p *Peer) ID() string { return p.id }

// SessionID returns the bound session's id.
func (p *Peer) SessionID() string { return p.sess.ID() }

// CreateOffer produces the server-side offer with candidates gathered,
// sets it locally and returns it for signaling.
func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(iceGatherTimeout):
		p.log.Warn("ice gathering timed out, sending partial offer")
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("no local description after gathering")
	}
	return *local, nil
}

// SetAnswer applies the client's answer.
func (p *Peer) SetAnswer(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddICECandidate applies one trickled client candidate.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// PushFrame implements media.VideoSink: JPEG in, H264 sample out.
func (p *Peer) PushFrame(f media.Frame) {
	if !p.connected.Load() {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}

	payload, err := p.enc.EncodeJPEG(f.Data)
	if err != nil {
		if time.Since(p.lastEncLog) > 10*time.Second {
			p.lastEncLog = time.Now()
			p.log.Warn("video encode failed", logging.KeyError, err)
		}
		return
	}
	if len(payload) == 0 {
		return
	}

	dur := f.Timestamp.Sub(p.lastFrameTS)
	p.lastFrameTS = f.Timestamp
	if dur <= 0 || dur > time.Second {
		dur = time.Second / time.Duration(p.ctrl.FPS())
	}

	if err := p.videoTrack.WriteSample(pionmedia.Sample{Data: payload, Duration: dur}); err != nil {
		p.log.Debug("video write failed", logging.KeyError, err)
		return
	}
	p.ctrl.RecordSend(len(payload))
	p.maybeAdapt()
}

// Quality implements media.VideoSink.
func (p *Peer) Quality() int { return p.ctrl.Quality() }

// FPS implements media.VideoSink.
func (p *Peer) FPS() int { return p.ctrl.FPS() }

// PushAudio implements media.AudioSink: PCM in, Opus sample out. The
// sample duration is fixed, so the track clock advances exactly one
// frame per delivery.
func (p *Peer) PushAudio(pcm []byte, _ uint64) {
	if !p.connected.Load() {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}

	n := len(pcm) / 2
	if cap(p.pcmBuf) < n {
		p.pcmBuf = make([]int16, n)
	}
	buf := p.pcmBuf[:n]
	for i := 0; i < n; i++ {
		buf[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}

	written, err := p.opusEnc.Encode(buf, p.opusBuf)
	if err != nil {
		p.log.Debug("opus encode failed", logging.KeyError, err)
		return
	}
	if err := p.audioTrack.WriteSample(pionmedia.Sample{
		Data:     append([]byte(nil), p.opusBuf[:written]...),
		Duration: media.AudioFrameDuration,
	}); err != nil {
		p.log.Debug("audio write failed", logging.KeyError, err)
	}
}

// maybeAdapt applies adaptive grading to the encoder and capture targets.
func (p *Peer) maybeAdapt() {
	changed, quality, fps := p.ctrl.Tick()
	if !changed {
		return
	}
	kbps := p.bitrateForQuality(quality) / 1000
	if err := p.enc.SetBitrate(kbps); err != nil {
		p.log.Warn("encoder bitrate update failed", logging.KeyError, err)
	}
	if err := p.enc.SetFPS(fps); err != nil {
		p.log.Warn("encoder fps update failed", logging.KeyError, err)
	}
	p.log.Info("adaptive quality adjusted",
		"quality", quality,
		"fps", fps,
		"mbps", fmt.Sprintf("%.2f", p.ctrl.EstimateMbps()),
	)
}

// bitrateForQuality maps JPEG quality (1-100) linearly onto the
// configured bitrate range.
func (p *Peer) bitrateForQuality(quality int) int {
	min, max := p.cfg.MinBitrate, p.cfg.MaxBitrate
	if max <= min {
		return min
	}
	return min + (max-min)*(quality-1)/99
}

// applyControl handles quality:set / fps:set / adaptive:set from the
// data channel.
func (p *Peer) applyControl(msg ControlMessage) {
	switch msg.Kind {
	case ControlQuality:
		p.ctrl.SetQuality(msg.Value)
		kbps := p.bitrateForQuality(p.ctrl.Quality()) / 1000
		if err := p.enc.SetBitrate(kbps); err != nil {
			p.log.Warn("encoder bitrate update failed", logging.KeyError, err)
		}
		p.log.Info("manual quality set", "quality", p.ctrl.Quality())
	case ControlFPS:
		p.ctrl.SetFPS(msg.Value)
		if err := p.enc.SetFPS(p.ctrl.FPS()); err != nil {
			p.log.Warn("encoder fps update failed", logging.KeyError, err)
		}
		p.log.Info("manual fps set", "fps", p.ctrl.FPS())
	case ControlAdaptive:
		p.ctrl.SetAdaptive(msg.Enabled)
		p.log.Info("adaptive mode set", "enabled", msg.Enabled)
	}
}

// rtcpLoop drains sender reports and turns PLI/FIR into keyframes,
// rate-limited so a lossy link cannot force an IDR storm.
func (p *Peer) rtcpLoop(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if time.Since(p.lastKeyframe) >= keyframeMinInterval {
					p.lastKeyframe = time.Now()
					p.enc.ForceKeyframe()
				}
			}
		}
	}
}

// sessionClosing runs from the session's close path. The session clears
// its own callback map, so only the peer side is torn down here.
func (p *Peer) sessionClosing() {
	p.close(false)
}

// Close tears the peer down and, through the registry hook, its session.
func (p *Peer) Close() {
	p.close(true)
}

func (p *Peer) close(detach bool) {
	p.closeOnce.Do(func() {
		p.connected.Store(false)
		close(p.done)

		if detach {
			p.sess.Video().Detach(p.id)
			p.sess.Audio().Detach(p.id)
			p.sess.RemoveOnClose(p.id)
		}

		if err := p.pc.Close(); err != nil {
			p.log.Debug("peer connection close", logging.KeyError, err)
		}
		if err := p.enc.Close(); err != nil {
			p.log.Debug("encoder close", logging.KeyError, err)
		}

		p.log.Info("peer closed")
		if p.onClosed != nil {
			go p.onClosed(p)
		}
	})
}
