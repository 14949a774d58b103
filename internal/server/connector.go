package server

import (
	"time"

	"github.com/pagecast/pagecast/internal/config"
	"github.com/pagecast/pagecast/internal/session"
	"github.com/pagecast/pagecast/internal/signaling"
	"github.com/pagecast/pagecast/internal/transport"
)

// peerConnector adapts the pool and registry to the signaling handler.
type peerConnector struct {
	cfg      *config.Config
	pool     *session.Pool
	registry *transport.Registry
}

func (c *peerConnector) Connect(sessionID string, clientWidth, clientHeight int) (signaling.Peer, error) {
	sess, err := c.pool.Get(sessionID)
	if err != nil {
		return nil, err
	}

	peerCfg := transport.PeerConfig{
		ICEServers: transport.ICEServers(
			c.cfg.StunServers,
			c.cfg.TurnServer,
			c.cfg.TurnUsername,
			c.cfg.TurnPassword,
		),
		VideoWidth:      c.cfg.VideoWidth,
		VideoHeight:     c.cfg.VideoHeight,
		Framerate:       c.cfg.Framerate,
		MinBitrate:      c.cfg.MinBitrate,
		DefaultBitrate:  c.cfg.DefaultBitrate,
		MaxBitrate:      c.cfg.MaxBitrate,
		DefaultQuality:  75,
		AudioSampleRate: c.cfg.AudioSampleRate,
		AudioChannels:   c.cfg.AudioChannels,
		ClientWidth:     clientWidth,
		ClientHeight:    clientHeight,
		Adaptive: transport.AdaptiveConfig{
			Interval: 5 * time.Second,
		},
	}

	return c.registry.Connect(peerCfg, sess)
}
