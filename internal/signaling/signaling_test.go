package signaling

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

type stubPeer struct {
	id        string
	offerErr  error
	answerErr error

	mu         sync.Mutex
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
}

func (p *stubPeer) ID() string { return p.id }

func (p *stubPeer) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 test offer"}, nil
}

func (p *stubPeer) SetAnswer(desc webrtc.SessionDescription) error {
	if p.answerErr != nil {
		return p.answerErr
	}
	p.mu.Lock()
	p.answers = append(p.answers, desc)
	p.mu.Unlock()
	return nil
}

func (p *stubPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *stubPeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *stubPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *stubPeer) snapshot() ([]webrtc.SessionDescription, []webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.answers...),
		append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

type stubConnector struct {
	peer *stubPeer
	err  error

	mu       sync.Mutex
	lastID   string
	lastW    int
	lastH    int
	connects int
}

func (c *stubConnector) Connect(sessionID string, w, h int) (Peer, error) {
	c.mu.Lock()
	c.connects++
	c.lastID, c.lastW, c.lastH = sessionID, w, h
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.peer, nil
}

func (c *stubConnector) last() (string, int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID, c.lastW, c.lastH, c.connects
}

func dialTestHandler(t *testing.T, connector Connector) *websocket.Conn {
	t.Helper()
	h := NewHandler(connector, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestSignaling_JoinAnswerReady(t *testing.T) {
	peer := &stubPeer{id: "peer-123"}
	connector := &stubConnector{peer: peer}
	ws := dialTestHandler(t, connector)

	join := `{"type":"join","session_id":"sess-1","viewport":{"width":360,"height":640}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(join)); err != nil {
		t.Fatalf("write join: %v", err)
	}

	msg := readMessage(t, ws)
	if msg["type"] != "offer" || msg["peerId"] != "peer-123" {
		t.Fatalf("join reply = %v", msg)
	}
	offer, ok := msg["offer"].(map[string]any)
	if !ok || offer["sdp"] != "v=0 test offer" || offer["type"] != "offer" {
		t.Fatalf("offer payload = %v", msg["offer"])
	}
	if id, w, h, _ := connector.last(); id != "sess-1" || w != 360 || h != 640 {
		t.Fatalf("connect got (%s, %d, %d)", id, w, h)
	}

	answer := `{"type":"answer","answer":{"type":"answer","sdp":"v=0 test answer"}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(answer)); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	if msg := readMessage(t, ws); msg["type"] != "ready" {
		t.Fatalf("answer reply = %v", msg)
	}
	answers, _ := peer.snapshot()
	if len(answers) != 1 || answers[0].SDP != "v=0 test answer" {
		t.Fatalf("peer answers = %v", answers)
	}
	if answers[0].Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type = %v", answers[0].Type)
	}
}

func TestSignaling_JoinFailureKeepsSocketOpen(t *testing.T) {
	connector := &stubConnector{err: errors.New("session: not found")}
	ws := dialTestHandler(t, connector)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","session_id":"missing"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	msg := readMessage(t, ws)
	if msg["type"] != "error" {
		t.Fatalf("join reply = %v", msg)
	}
	if !strings.Contains(msg["message"].(string), "join failed") {
		t.Fatalf("error message = %v", msg["message"])
	}

	// The socket survives for a retry.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMessage(t, ws); msg["type"] != "pong" {
		t.Fatalf("ping reply = %v", msg)
	}
}

func TestSignaling_OfferFailureClosesPeer(t *testing.T) {
	peer := &stubPeer{id: "peer-1", offerErr: errors.New("no encoder")}
	connector := &stubConnector{peer: peer}
	ws := dialTestHandler(t, connector)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","session_id":"sess-1"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	msg := readMessage(t, ws)
	if msg["type"] != "error" || !strings.Contains(msg["message"].(string), "offer failed") {
		t.Fatalf("reply = %v", msg)
	}
	if !peer.isClosed() {
		t.Fatal("peer left open after offer failure")
	}
}

func TestSignaling_SecondJoinRejected(t *testing.T) {
	peer := &stubPeer{id: "peer-1"}
	connector := &stubConnector{peer: peer}
	ws := dialTestHandler(t, connector)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","session_id":"sess-1"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	if msg := readMessage(t, ws); msg["type"] != "offer" {
		t.Fatalf("first join reply = %v", msg)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","session_id":"sess-2"}`)); err != nil {
		t.Fatalf("write second join: %v", err)
	}
	msg := readMessage(t, ws)
	if msg["type"] != "error" || !strings.Contains(msg["message"].(string), "already joined") {
		t.Fatalf("second join reply = %v", msg)
	}
	if _, _, _, n := connector.last(); n != 1 {
		t.Fatalf("connector called %d times, want 1", n)
	}
}

func TestSignaling_MessagesBeforeJoin(t *testing.T) {
	connector := &stubConnector{peer: &stubPeer{id: "p"}}
	ws := dialTestHandler(t, connector)

	cases := []struct {
		raw  string
		want string
	}{
		{`{"type":"answer","answer":{"sdp":"x"}}`, "answer before join"},
		{`{"type":"ice-candidate","candidate":{"candidate":"x"}}`, "ice-candidate before join"},
		{`{"type":"join"}`, "join requires session_id"},
		{`{"type":"teleport"}`, "unknown message type"},
		{`not json`, "malformed message"},
	}
	for _, tc := range cases {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(tc.raw)); err != nil {
			t.Fatalf("write %q: %v", tc.raw, err)
		}
		msg := readMessage(t, ws)
		if msg["type"] != "error" || !strings.Contains(msg["message"].(string), tc.want) {
			t.Fatalf("reply to %q = %v, want %q", tc.raw, msg, tc.want)
		}
	}
}

func TestSignaling_CandidatesForwarded(t *testing.T) {
	peer := &stubPeer{id: "peer-1"}
	connector := &stubConnector{peer: peer}
	ws := dialTestHandler(t, connector)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","session_id":"sess-1"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	readMessage(t, ws) // offer

	cand := `{"type":"ice-candidate","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host","sdpMid":"0"}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(cand)); err != nil {
		t.Fatalf("write candidate: %v", err)
	}

	// Candidates get no acknowledgement; use a ping to sequence.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMessage(t, ws); msg["type"] != "pong" {
		t.Fatalf("ping reply = %v", msg)
	}

	_, candidates := peer.snapshot()
	if len(candidates) != 1 {
		t.Fatalf("peer got %d candidates, want 1", len(candidates))
	}
	if candidates[0].SDPMid == nil || *candidates[0].SDPMid != "0" {
		t.Fatalf("candidate sdpMid = %v", candidates[0].SDPMid)
	}
}

func TestSignaling_SocketCloseClosesPeer(t *testing.T) {
	peer := &stubPeer{id: "peer-1"}
	connector := &stubConnector{peer: peer}
	ws := dialTestHandler(t, connector)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","session_id":"sess-1"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	readMessage(t, ws) // offer

	ws.Close()

	deadline := time.After(2 * time.Second)
	for !peer.isClosed() {
		select {
		case <-deadline:
			t.Fatal("peer not closed after socket close")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
