package game

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/nekodelia/mercy/internal/utils"
)

// Fixed UI pixels of the game client at 1920x1080. The map button opens the
// world view, the magnifier opens the coordinate search, the zoom button is
// clicked repeatedly after login so the tile scale matches the calibrated
// projection constants.
const (
	mapButtonX = 680
	mapButtonY = 1045

	magnifierX = 83
	magnifierY = 865

	zoomOutX     = 1818
	zoomOutY     = 1025
	zoomOutTimes = 8
)

// popupSelectors covers the DOM containers the game uses for tile popups.
const popupSelectors = `.popup, .modal, .tooltip, .dialog, [class*="popup"], [class*="tooltip"]`

type RodOptions struct {
	Email    string
	Password string
	URL      string
	Headless bool

	NavigateTimeout   time.Duration
	ScreenshotTimeout time.Duration
}

// RodDriver drives the game through a headless Chromium over CDP.
type RodDriver struct {
	logger *slog.Logger
	opts   RodOptions

	launch  *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
}

func NewRodDriver(logger *slog.Logger, opts RodOptions) *RodDriver {
	if opts.URL == "" {
		opts.URL = "https://totalbattle.com/en/"
	}
	if opts.NavigateTimeout == 0 {
		opts.NavigateTimeout = 30 * time.Second
	}
	if opts.ScreenshotTimeout == 0 {
		opts.ScreenshotTimeout = 10 * time.Second
	}
	return &RodDriver{logger: logger, opts: opts}
}

func (d *RodDriver) Login(ctx context.Context) error {
	launch := launcher.New().
		Context(ctx).
		Headless(d.opts.Headless).
		Set("window-size", "1920,1080")
	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	d.launch = launch

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		launch.Cleanup()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	d.browser = browser

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		d.Shutdown()
		return fmt.Errorf("failed to create page: %w", err)
	}
	d.page = page

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1,
	}); err != nil {
		d.Shutdown()
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	if err := page.Navigate(d.opts.URL); err != nil {
		d.Shutdown()
		return fmt.Errorf("failed to navigate to game portal: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		d.Shutdown()
		return fmt.Errorf("failed to load game portal: %w", err)
	}

	d.acceptCookieBanner()

	if err := d.submitLoginForm(); err != nil {
		d.Shutdown()
		return err
	}

	// The world canvas appears once the session is established.
	if _, err := page.Timeout(d.opts.NavigateTimeout).Element("canvas"); err != nil {
		d.Shutdown()
		return fmt.Errorf("game canvas never appeared after login: %w", err)
	}
	utils.Sleep(3000)

	if err := d.openMapAndCalibrate(ctx); err != nil {
		d.Shutdown()
		return err
	}

	d.logger.Info("game session established", slog.String("url", d.opts.URL))
	return nil
}

// acceptCookieBanner clicks the consent button when the banner shows up.
// Absence is not an error.
func (d *RodDriver) acceptCookieBanner() {
	btn, err := d.page.Timeout(5 * time.Second).Element("#didomi-notice-agree-button")
	if err != nil {
		return
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		d.logger.Debug("cookie banner click failed", slog.Any("error", err))
	}
	utils.Sleep(500)
}

func (d *RodDriver) submitLoginForm() error {
	emailInput, err := d.page.Timeout(10 * time.Second).Element("#login input[type='email'], #login input[name='email']")
	if err != nil {
		return fmt.Errorf("failed to find email input field: %w", err)
	}
	if err := emailInput.Input(d.opts.Email); err != nil {
		return fmt.Errorf("failed to input email: %w", err)
	}

	passwordInput, err := d.page.Timeout(5 * time.Second).Element("#login input[type='password']")
	if err != nil {
		return fmt.Errorf("failed to find password input field: %w", err)
	}
	if err := passwordInput.Input(d.opts.Password); err != nil {
		return fmt.Errorf("failed to input password: %w", err)
	}

	submitBtn, err := d.page.Timeout(5 * time.Second).Element("#login button[type='submit']")
	if err != nil {
		return fmt.Errorf("failed to find login button: %w", err)
	}
	if err := submitBtn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click login button: %w", err)
	}
	return nil
}

// openMapAndCalibrate opens the world map and zooms out to the scale the
// pixel/tile constants were measured at.
func (d *RodDriver) openMapAndCalibrate(ctx context.Context) error {
	if err := d.Click(ctx, mapButtonX, mapButtonY); err != nil {
		return fmt.Errorf("failed to open world map: %w", err)
	}
	utils.Sleep(2000)

	for i := 0; i < zoomOutTimes; i++ {
		if err := d.Click(ctx, zoomOutX, zoomOutY); err != nil {
			return fmt.Errorf("zoom-out click %d failed: %w", i+1, err)
		}
		utils.Sleep(300)
	}
	utils.Sleep(1000)
	return nil
}

func (d *RodDriver) SetKingdom(ctx context.Context, k uint32) error {
	return d.NavigateTo(ctx, k, 512, 512)
}

// NavigateTo opens the coordinate search, types the target, and confirms.
// The WebGL canvas ignores CDP key events, so Tab and Enter are dispatched as
// synthetic DOM events from JS.
func (d *RodDriver) NavigateTo(ctx context.Context, k uint32, x, y int) error {
	if d.page == nil {
		return fmt.Errorf("no active game session")
	}
	page := d.page.Context(ctx).Timeout(d.opts.NavigateTimeout)

	if err := d.Click(ctx, magnifierX, magnifierY); err != nil {
		return fmt.Errorf("failed to open coordinate search: %w", err)
	}
	utils.Sleep(400)

	if err := d.selectAll(page); err != nil {
		return fmt.Errorf("failed to select search text: %w", err)
	}
	query := fmt.Sprintf("k:%d x:%d y:%d", k, x, y)
	if err := (proto.InputInsertText{Text: query}).Call(page); err != nil {
		return fmt.Errorf("failed to type coordinates: %w", err)
	}
	utils.Sleep(300)

	if err := d.sendCanvasKey(page, "Tab", 9); err != nil {
		return fmt.Errorf("failed to confirm search field: %w", err)
	}
	utils.Sleep(200)
	if err := d.sendCanvasKey(page, "Enter", 13); err != nil {
		return fmt.Errorf("failed to trigger fly-to: %w", err)
	}
	return nil
}

func (d *RodDriver) selectAll(page *rod.Page) error {
	down := proto.InputDispatchKeyEvent{
		Type:      proto.InputDispatchKeyEventTypeKeyDown,
		Modifiers: 2, // ctrl
		Key:       "a",
		Code:      "KeyA",
	}
	if err := down.Call(page); err != nil {
		return err
	}
	up := down
	up.Type = proto.InputDispatchKeyEventTypeKeyUp
	return up.Call(page)
}

// sendCanvasKey dispatches a keydown/keyup pair on the document so the game's
// own listeners receive it regardless of focus.
func (d *RodDriver) sendCanvasKey(page *rod.Page, key string, keyCode int) error {
	js := fmt.Sprintf(`() => {
		const opts = {key: %q, keyCode: %d, which: %d, bubbles: true, cancelable: true};
		document.dispatchEvent(new KeyboardEvent('keydown', opts));
		document.dispatchEvent(new KeyboardEvent('keyup', opts));
	}`, key, keyCode, keyCode)
	_, err := page.Eval(js)
	return err
}

func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if d.page == nil {
		return nil, fmt.Errorf("no active game session")
	}
	page := d.page.Context(ctx).Timeout(d.opts.ScreenshotTimeout)
	png, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return png, nil
}

func (d *RodDriver) Click(ctx context.Context, x, y int) error {
	if d.page == nil {
		return fmt.Errorf("no active game session")
	}
	page := d.page.Context(ctx).Timeout(d.opts.ScreenshotTimeout)
	fx, fy := float64(x), float64(y)

	move := proto.InputDispatchMouseEvent{
		Type: proto.InputDispatchMouseEventTypeMouseMoved,
		X:    fx,
		Y:    fy,
	}
	if err := move.Call(page); err != nil {
		return fmt.Errorf("mouse move failed: %w", err)
	}
	utils.Sleep(50)

	press := proto.InputDispatchMouseEvent{
		Type:       proto.InputDispatchMouseEventTypeMousePressed,
		X:          fx,
		Y:          fy,
		Button:     proto.InputMouseButtonLeft,
		ClickCount: 1,
	}
	if err := press.Call(page); err != nil {
		return fmt.Errorf("mouse press failed: %w", err)
	}
	utils.Sleep(50)

	release := press
	release.Type = proto.InputDispatchMouseEventTypeMouseReleased
	if err := release.Call(page); err != nil {
		return fmt.Errorf("mouse release failed: %w", err)
	}
	return nil
}

func (d *RodDriver) PopupText(ctx context.Context) (string, error) {
	if d.page == nil {
		return "", fmt.Errorf("no active game session")
	}
	page := d.page.Context(ctx).Timeout(d.opts.ScreenshotTimeout)
	js := fmt.Sprintf(`() => {
		const els = document.querySelectorAll(%q);
		for (const el of els) {
			if (el.offsetParent !== null && el.innerText.trim().length > 0) {
				return el.innerText;
			}
		}
		return "";
	}`, popupSelectors)
	obj, err := page.Eval(js)
	if err != nil {
		return "", fmt.Errorf("failed to read popup text: %w", err)
	}
	return strings.TrimSpace(obj.Value.Str()), nil
}

func (d *RodDriver) DismissPopup(ctx context.Context) error {
	if d.page == nil {
		return fmt.Errorf("no active game session")
	}
	page := d.page.Context(ctx).Timeout(d.opts.ScreenshotTimeout)
	if err := d.sendCanvasKey(page, "Escape", 27); err != nil {
		return fmt.Errorf("failed to dismiss popup: %w", err)
	}
	return nil
}

func (d *RodDriver) Shutdown() {
	if d.browser != nil {
		_ = d.browser.Close()
		d.browser = nil
	}
	if d.launch != nil {
		d.launch.Cleanup()
		d.launch = nil
	}
	d.page = nil
}
