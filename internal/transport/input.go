package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pagecast/pagecast/internal/logging"
)

// maxInputEventsPerSecond bounds what one data channel can push into the
// session command queue.
const maxInputEventsPerSecond = 200

// ErrBadInput marks a malformed or unknown data channel message.
var ErrBadInput = errors.New("transport: invalid input message")

// InputEvent is the closed set of client input messages.
type InputEvent interface{ isInputEvent() }

type ClickEvent struct{ X, Y int }

type ScrollEvent struct{ DeltaX, DeltaY int }

type TextEvent struct{ Text string }

type KeyEvent struct{ Key string }

func (ClickEvent) isInputEvent()  {}
func (ScrollEvent) isInputEvent() {}
func (TextEvent) isInputEvent()   {}
func (KeyEvent) isInputEvent()    {}

// Control message kinds carried on the same channel as input.
const (
	ControlQuality  = "quality:set"
	ControlFPS      = "fps:set"
	ControlAdaptive = "adaptive:set"
)

// ControlMessage is a stream tuning request from the client.
type ControlMessage struct {
	Kind    string
	Value   int
	Enabled bool
}

// parseDataChannelMessage validates one raw message into either an
// InputEvent or a ControlMessage.
func parseDataChannelMessage(data []byte) (any, error) {
	var raw struct {
		Type    string  `json:"type"`
		X       *int    `json:"x"`
		Y       *int    `json:"y"`
		DeltaX  *int    `json:"deltaX"`
		DeltaY  *int    `json:"deltaY"`
		Text    *string `json:"text"`
		Key     *string `json:"key"`
		Value   *int    `json:"value"`
		Enabled *bool   `json:"enabled"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadInput, err)
	}

	switch raw.Type {
	case "click":
		if raw.X == nil || raw.Y == nil || *raw.X < 0 || *raw.Y < 0 {
			return nil, fmt.Errorf("%w: click needs non-negative x and y", ErrBadInput)
		}
		return ClickEvent{X: *raw.X, Y: *raw.Y}, nil
	case "scroll":
		if raw.DeltaX == nil && raw.DeltaY == nil {
			return nil, fmt.Errorf("%w: scroll needs deltaX or deltaY", ErrBadInput)
		}
		ev := ScrollEvent{}
		if raw.DeltaX != nil {
			ev.DeltaX = *raw.DeltaX
		}
		if raw.DeltaY != nil {
			ev.DeltaY = *raw.DeltaY
		}
		return ev, nil
	case "text":
		if raw.Text == nil || *raw.Text == "" {
			return nil, fmt.Errorf("%w: text needs a non-empty text field", ErrBadInput)
		}
		return TextEvent{Text: *raw.Text}, nil
	case "key":
		if raw.Key == nil || *raw.Key == "" {
			return nil, fmt.Errorf("%w: key needs a key name", ErrBadInput)
		}
		return KeyEvent{Key: *raw.Key}, nil
	case ControlQuality, ControlFPS:
		if raw.Value == nil {
			return nil, fmt.Errorf("%w: %s needs a value", ErrBadInput, raw.Type)
		}
		return ControlMessage{Kind: raw.Type, Value: *raw.Value}, nil
	case ControlAdaptive:
		if raw.Enabled == nil {
			return nil, fmt.Errorf("%w: %s needs enabled", ErrBadInput, raw.Type)
		}
		return ControlMessage{Kind: raw.Type, Enabled: *raw.Enabled}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadInput, raw.Type)
	}
}

// SessionCommands is the slice of the session surface the router drives.
type SessionCommands interface {
	Click(ctx context.Context, x, y int) error
	Scroll(ctx context.Context, deltaX, deltaY int) error
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, name string) error
	Viewport() (width, height int)
}

// InputRouter validates, rate-limits and rescales client input before
// dispatching it through the session command queue. Dispatch is
// synchronous, so ordering within one data channel is preserved.
type InputRouter struct {
	session   SessionCommands
	limiter   *rate.Limiter
	onControl func(ControlMessage)
	log       *slog.Logger

	// Client viewport advertised at join. Zero means same as session.
	clientWidth  int
	clientHeight int

	lastDropLog time.Time
}

// NewInputRouter wires a router to one session.
func NewInputRouter(sess SessionCommands, clientWidth, clientHeight int, onControl func(ControlMessage)) *InputRouter {
	return &InputRouter{
		session:      sess,
		limiter:      rate.NewLimiter(rate.Limit(maxInputEventsPerSecond), maxInputEventsPerSecond),
		onControl:    onControl,
		log:          logging.L("input"),
		clientWidth:  clientWidth,
		clientHeight: clientHeight,
	}
}

// HandleMessage processes one raw data channel payload. Invalid messages
// and over-limit bursts are dropped without tearing the channel down.
func (r *InputRouter) HandleMessage(ctx context.Context, data []byte) error {
	msg, err := parseDataChannelMessage(data)
	if err != nil {
		r.log.Debug("dropping invalid input", logging.KeyError, err)
		return err
	}

	if ctl, ok := msg.(ControlMessage); ok {
		if r.onControl != nil {
			r.onControl(ctl)
		}
		return nil
	}

	if !r.limiter.Allow() {
		if time.Since(r.lastDropLog) > time.Second {
			r.lastDropLog = time.Now()
			r.log.Warn("input burst limit exceeded, dropping events", "limit", maxInputEventsPerSecond)
		}
		return nil
	}

	return r.dispatch(ctx, msg.(InputEvent))
}

func (r *InputRouter) dispatch(ctx context.Context, ev InputEvent) error {
	switch ev := ev.(type) {
	case ClickEvent:
		x, y := r.mapPoint(ev.X, ev.Y)
		return r.session.Click(ctx, x, y)
	case ScrollEvent:
		dx, dy := r.mapDelta(ev.DeltaX, ev.DeltaY)
		return r.session.Scroll(ctx, dx, dy)
	case TextEvent:
		return r.session.TypeText(ctx, ev.Text)
	case KeyEvent:
		return r.session.PressKey(ctx, ev.Key)
	default:
		return fmt.Errorf("%w: unhandled event %T", ErrBadInput, ev)
	}
}

// mapPoint rescales client coordinates onto the session viewport. With
// matching (or unadvertised) viewports this is the identity. The result
// is clamped into the viewport so a stray coordinate never reaches the
// driver out of bounds.
func (r *InputRouter) mapPoint(x, y int) (int, int) {
	sw, sh := r.session.Viewport()
	if r.clientWidth > 0 && r.clientHeight > 0 && (r.clientWidth != sw || r.clientHeight != sh) {
		x = x * sw / r.clientWidth
		y = y * sh / r.clientHeight
	}
	return clampCoord(x, sw), clampCoord(y, sh)
}

func clampCoord(v, limit int) int {
	if v < 0 {
		return 0
	}
	if limit > 0 && v >= limit {
		return limit - 1
	}
	return v
}

func (r *InputRouter) mapDelta(dx, dy int) (int, int) {
	sw, sh := r.session.Viewport()
	if r.clientWidth <= 0 || r.clientHeight <= 0 {
		return dx, dy
	}
	if r.clientWidth == sw && r.clientHeight == sh {
		return dx, dy
	}
	return dx * sw / r.clientWidth, dy * sh / r.clientHeight
}
