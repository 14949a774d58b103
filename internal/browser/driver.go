package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/pagecast/pagecast/internal/logging"
)

// mobileUserAgent matches what the emulated device metrics advertise.
const mobileUserAgent = "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"

// hideAutomation runs before any page script and removes the most common
// headless tell.
const hideAutomation = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

// Driver wraps one browser page. It is NOT safe for concurrent use;
// the session command queue serializes all calls.
type Driver struct {
	page   *rod.Page
	width  int
	height int
}

// NewDriver opens a fresh page with mobile emulation at the given viewport.
func (l *Launcher) NewDriver(ctx context.Context, width, height int) (*Driver, error) {
	page, err := l.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, classify(fmt.Errorf("create page: %w", err))
	}

	d := &Driver{page: page}

	cp := page.Context(ctx)
	if err := (proto.NetworkSetUserAgentOverride{UserAgent: mobileUserAgent}).Call(cp); err != nil {
		page.Close()
		return nil, classify(fmt.Errorf("set user agent: %w", err))
	}
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{Source: hideAutomation}).Call(cp); err != nil {
		page.Close()
		return nil, classify(fmt.Errorf("install init script: %w", err))
	}
	if err := d.Resize(ctx, width, height); err != nil {
		page.Close()
		return nil, err
	}

	// Round-trip to confirm the page answers before handing it out.
	if _, err := cp.Eval(`() => true`); err != nil {
		page.Close()
		return nil, classify(fmt.Errorf("page not responsive: %w", err))
	}

	return d, nil
}

// Viewport returns the current emulated viewport size.
func (d *Driver) Viewport() (width, height int) {
	return d.width, d.height
}

// Navigate loads a URL and waits for DOMContentLoaded up to timeout.
// Deadline expiry is not an error: the page keeps whatever has rendered
// so far and partial is reported true.
func (d *Driver) Navigate(ctx context.Context, url string, timeout time.Duration) (partial bool, err error) {
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page := d.page.Context(nctx)
	wait := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(url); err != nil {
		return false, classify(fmt.Errorf("navigate %s: %w", url, err))
	}
	wait()

	if ctx.Err() != nil {
		return false, classify(ctx.Err())
	}
	if nctx.Err() != nil {
		return true, nil
	}
	return false, nil
}

// Click dispatches a full move/press/release sequence at page coordinates.
func (d *Driver) Click(ctx context.Context, x, y int) error {
	page := d.page.Context(ctx)
	fx, fy := float64(x), float64(y)

	events := []proto.InputDispatchMouseEvent{
		{Type: proto.InputDispatchMouseEventTypeMouseMoved, X: fx, Y: fy},
		{Type: proto.InputDispatchMouseEventTypeMousePressed, X: fx, Y: fy, Button: proto.InputMouseButtonLeft, ClickCount: 1},
		{Type: proto.InputDispatchMouseEventTypeMouseReleased, X: fx, Y: fy, Button: proto.InputMouseButtonLeft, ClickCount: 1},
	}
	for _, ev := range events {
		if err := ev.Call(page); err != nil {
			return classify(fmt.Errorf("click: %w", err))
		}
	}
	return nil
}

// Scroll dispatches a wheel event at the viewport center.
func (d *Driver) Scroll(ctx context.Context, deltaX, deltaY int) error {
	page := d.page.Context(ctx)
	ev := proto.InputDispatchMouseEvent{
		Type:   proto.InputDispatchMouseEventTypeMouseWheel,
		X:      float64(d.width) / 2,
		Y:      float64(d.height) / 2,
		DeltaX: float64(deltaX),
		DeltaY: float64(deltaY),
	}
	if err := ev.Call(page); err != nil {
		return classify(fmt.Errorf("scroll: %w", err))
	}
	return nil
}

// TypeText inserts text into the focused element as a single operation.
func (d *Driver) TypeText(ctx context.Context, text string) error {
	page := d.page.Context(ctx)
	if err := (proto.InputInsertText{Text: text}).Call(page); err != nil {
		return classify(fmt.Errorf("insert text: %w", err))
	}
	return nil
}

// PressKey sends a keydown/keyup pair for a canonical named key.
func (d *Driver) PressKey(ctx context.Context, name string) error {
	def, err := lookupKey(name)
	if err != nil {
		return err
	}
	page := d.page.Context(ctx)

	downType := proto.InputDispatchKeyEventTypeRawKeyDown
	if def.text != "" {
		downType = proto.InputDispatchKeyEventTypeKeyDown
	}
	down := proto.InputDispatchKeyEvent{
		Type:                  downType,
		Key:                   def.key,
		Code:                  def.code,
		WindowsVirtualKeyCode: def.keyCode,
		NativeVirtualKeyCode:  def.keyCode,
		Text:                  def.text,
	}
	if err := down.Call(page); err != nil {
		return classify(fmt.Errorf("key down %s: %w", name, err))
	}
	up := proto.InputDispatchKeyEvent{
		Type:                  proto.InputDispatchKeyEventTypeKeyUp,
		Key:                   def.key,
		Code:                  def.code,
		WindowsVirtualKeyCode: def.keyCode,
		NativeVirtualKeyCode:  def.keyCode,
	}
	if err := up.Call(page); err != nil {
		return classify(fmt.Errorf("key up %s: %w", name, err))
	}
	return nil
}

// Resize re-applies the device metrics override with the new viewport.
func (d *Driver) Resize(ctx context.Context, width, height int) error {
	page := d.page.Context(ctx)
	err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
		Mobile:            true,
	}).Call(page)
	if err != nil {
		return classify(fmt.Errorf("set device metrics: %w", err))
	}
	d.width, d.height = width, height
	return nil
}

// CaptureFrame grabs a JPEG still of the page at the given quality (1-100).
// The surface path is fastest; on failure it falls back to rod's screenshot
// helper once before giving up.
func (d *Driver) CaptureFrame(ctx context.Context, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	} else if quality > 100 {
		quality = 100
	}
	page := d.page.Context(ctx)

	q := quality
	res, err := proto.PageCaptureScreenshot{
		Format:           proto.PageCaptureScreenshotFormatJpeg,
		Quality:          &q,
		FromSurface:      true,
		OptimizeForSpeed: true,
	}.Call(page)
	if err == nil {
		return res.Data, nil
	}
	if ctx.Err() != nil {
		return nil, classify(ctx.Err())
	}

	log.Warn("surface capture failed, using fallback", logging.KeyError, err)
	data, ferr := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &q,
	})
	if ferr != nil {
		return nil, classify(fmt.Errorf("capture frame: %w", ferr))
	}
	return data, nil
}

// Close tears the page down. Safe to call once per driver.
func (d *Driver) Close(ctx context.Context) error {
	if err := d.page.Context(ctx).Close(); err != nil {
		return classify(fmt.Errorf("close page: %w", err))
	}
	return nil
}

// classify maps transport-level failures onto the package sentinels so
// callers can distinguish a slow page from a dead one.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrDriverTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s", ErrDriverGone, err)
	default:
		return err
	}
}
