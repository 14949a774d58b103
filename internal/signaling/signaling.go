// Package signaling implements the WebSocket endpoint that negotiates
// WebRTC peers: the client joins a session, the server answers with an
// offer, the client replies with its answer and trickled candidates.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/pagecast/pagecast/internal/logging"
)

const (
	maxMessageSize = 1 << 20
	offerTimeout   = 15 * time.Second
)

// Peer is the slice of the transport peer the handler drives.
type Peer interface {
	ID() string
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	SetAnswer(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close()
}

// Connector creates a peer bound to an existing session.
type Connector interface {
	Connect(sessionID string, clientWidth, clientHeight int) (Peer, error)
}

// Handler serves /ws/signaling. One WebSocket connection carries at most
// one peer; closing the socket closes the peer (and with it the session).
type Handler struct {
	connector Connector
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

// NewHandler builds the signaling endpoint. checkOrigin follows the
// server's CORS policy.
func NewHandler(connector Connector, checkOrigin func(r *http.Request) bool) *Handler {
	return &Handler{
		connector: connector,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log: logging.L("signaling"),
	}
}

type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Viewport  *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport"`
	Answer *struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"answer"`
	Candidate *struct {
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	} `json:"candidate"`
}

type sdpJSON struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// wsConn serializes writes; gorilla allows one concurrent writer only.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) sendError(message string) {
	_ = c.send(map[string]string{"type": "error", "message": message})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	raw.SetReadLimit(maxMessageSize)
	conn := &wsConn{conn: raw}

	var peer Peer
	defer func() {
		raw.Close()
		if peer != nil {
			peer.Close()
		}
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket closed", logging.KeyError, err)
			}
			return
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError("malformed message")
			continue
		}

		switch msg.Type {
		case "join":
			peer = h.handleJoin(conn, peer, msg)
		case "answer":
			h.handleAnswer(conn, peer, msg)
		case "ice-candidate":
			h.handleCandidate(conn, peer, msg)
		case "ping":
			_ = conn.send(map[string]string{"type": "pong"})
		default:
			conn.sendError("unknown message type: " + msg.Type)
		}
	}
}

// handleJoin binds the connection to a session. Failures (unknown
// session, no capacity for a peer) are reported on the socket, which
// stays open for a retry.
func (h *Handler) handleJoin(conn *wsConn, existing Peer, msg envelope) Peer {
	if existing != nil {
		conn.sendError("already joined")
		return existing
	}
	if msg.SessionID == "" {
		conn.sendError("join requires session_id")
		return nil
	}

	var vw, vh int
	if msg.Viewport != nil {
		vw, vh = msg.Viewport.Width, msg.Viewport.Height
	}

	peer, err := h.connector.Connect(msg.SessionID, vw, vh)
	if err != nil {
		h.log.Warn("join failed", logging.KeySession, msg.SessionID, logging.KeyError, err)
		conn.sendError("join failed: " + err.Error())
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), offerTimeout)
	offer, err := peer.CreateOffer(ctx)
	cancel()
	if err != nil {
		peer.Close()
		conn.sendError("offer failed: " + err.Error())
		return nil
	}

	if err := conn.send(map[string]any{
		"type":   "offer",
		"peerId": peer.ID(),
		"offer":  sdpJSON{Type: "offer", SDP: offer.SDP},
	}); err != nil {
		peer.Close()
		return nil
	}

	h.log.Info("peer joined", logging.KeySession, msg.SessionID, logging.KeyPeer, peer.ID())
	return peer
}

func (h *Handler) handleAnswer(conn *wsConn, peer Peer, msg envelope) {
	if peer == nil {
		conn.sendError("answer before join")
		return
	}
	if msg.Answer == nil || msg.Answer.SDP == "" {
		conn.sendError("answer requires sdp")
		return
	}
	err := peer.SetAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.Answer.SDP,
	})
	if err != nil {
		conn.sendError("answer rejected: " + err.Error())
		return
	}
	_ = conn.send(map[string]string{"type": "ready"})
}

func (h *Handler) handleCandidate(conn *wsConn, peer Peer, msg envelope) {
	if peer == nil {
		conn.sendError("ice-candidate before join")
		return
	}
	if msg.Candidate == nil {
		conn.sendError("ice-candidate requires candidate")
		return
	}
	err := peer.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     msg.Candidate.Candidate,
		SDPMid:        msg.Candidate.SDPMid,
		SDPMLineIndex: msg.Candidate.SDPMLineIndex,
	})
	if err != nil {
		// Individual candidates failing is survivable; the connection
		// may still complete on others.
		h.log.Debug("ice candidate rejected", logging.KeyError, err)
	}
}
