package scanner

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nekodelia/mercy/internal/config"
	"github.com/nekodelia/mercy/internal/coords"
	"github.com/nekodelia/mercy/internal/detect"
	"github.com/nekodelia/mercy/internal/exchange"
	"github.com/nekodelia/mercy/internal/scan"
)

const tmplSize = 16

func testTemplate() image.Image {
	img := image.NewGray(image.Rect(0, 0, tmplSize, tmplSize))
	for y := 0; y < tmplSize; y++ {
		for x := 0; x < tmplSize; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*31 + y*17) % 251)})
		}
	}
	return img
}

// sceneWithTemplate renders a flat viewport with the template pasted so that
// its center sits at the given pixel. Returns PNG bytes as the driver would.
func sceneWithTemplate(t *testing.T, cx, cy int) []byte {
	t.Helper()
	scene := image.NewGray(image.Rect(0, 0, coords.ScreenCenterX+200, coords.ScreenCenterY+200))
	tmpl := testTemplate()
	off := image.Pt(cx-tmplSize/2, cy-tmplSize/2)
	draw.Draw(scene, tmpl.Bounds().Add(off), tmpl, image.Point{}, draw.Src)
	return encodePNG(t, scene)
}

func emptyScene(t *testing.T) []byte {
	t.Helper()
	scene := image.NewGray(image.Rect(0, 0, coords.ScreenCenterX+200, coords.ScreenCenterY+200))
	return encodePNG(t, scene)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Sleep(time.Duration) {}

// fakeDriver scripts the game: every Screenshot returns shot, every PopupText
// returns popup. All calls are recorded.
type fakeDriver struct {
	mu       sync.Mutex
	shot     []byte
	popup    string
	loginErr error

	kingdoms  []uint32
	navs      [][3]int
	clicks    [][2]int
	dismissed int
	shutdowns int
}

func (d *fakeDriver) Login(context.Context) error { return d.loginErr }

func (d *fakeDriver) SetKingdom(_ context.Context, k uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kingdoms = append(d.kingdoms, k)
	return nil
}

func (d *fakeDriver) NavigateTo(_ context.Context, k uint32, x, y int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navs = append(d.navs, [3]int{int(k), x, y})
	return nil
}

func (d *fakeDriver) Screenshot(context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shot, nil
}

func (d *fakeDriver) Click(_ context.Context, x, y int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks = append(d.clicks, [2]int{x, y})
	return nil
}

func (d *fakeDriver) PopupText(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.popup, nil
}

func (d *fakeDriver) DismissPopup(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dismissed++
	return nil
}

func (d *fakeDriver) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns++
}

func (d *fakeDriver) sawKingdom(k uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, got := range d.kingdoms {
		if got == k {
			return true
		}
	}
	return false
}

func newTestScanner(t *testing.T, drv *fakeDriver) (*Scanner, *exchange.Store) {
	t.Helper()
	cfg := &config.Config{
		Kingdoms:      []uint32{109},
		SearchTarget:  "Mercenary Exchange",
		ScanPattern:   "single",
		ScanRings:     1,
		KnownCoverage: 0.80,
	}
	det, err := detect.New(testTemplate(), detect.DefaultThreshold)
	if err != nil {
		t.Fatal(err)
	}
	log, err := exchange.OpenLog(filepath.Join(t.TempDir(), "ex.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	logger := slog.New(slog.DiscardHandler)
	store := exchange.NewStore(logger, log)
	return New(logger, cfg, drv, &fakeClock{now: time.Unix(1700000000, 0)}, det, store, nil), store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParsePopup(t *testing.T) {
	cases := []struct {
		text string
		k    uint32
		x, y int
		ok   bool
	}{
		{"Mercenary Exchange\nK: 109 X: 512 Y: 480", 109, 512, 480, true},
		{"k:42 x:7 y:1000", 42, 7, 1000, true},
		{"Barracks K 5 X 10 Y 20 level 3", 5, 10, 20, true},
		{"Mercenary Exchange", 0, 0, 0, false},
		{"", 0, 0, 0, false},
		{"K: 109 X: abc Y: 480", 0, 0, 0, false},
	}
	for _, c := range cases {
		k, x, y, ok := parsePopup(c.text)
		if ok != c.ok || k != c.k || x != c.x || y != c.y {
			t.Errorf("parsePopup(%q) = (%d,%d,%d,%v), want (%d,%d,%d,%v)",
				c.text, k, x, y, ok, c.k, c.x, c.y, c.ok)
		}
	}
}

func TestConfirmCandidateConfirmed(t *testing.T) {
	drv := &fakeDriver{
		shot:  sceneWithTemplate(t, coords.ScreenCenterX, coords.ScreenCenterY),
		popup: "Mercenary Exchange\nK: 109 X: 513 Y: 481",
	}
	s, store := newTestScanner(t, drv)

	cand := detect.Candidate{X: coords.ScreenCenterX, Y: coords.ScreenCenterY, Score: 0.95}
	stored, err := s.confirmCandidate(context.Background(), 109, scan.Position{X: 512, Y: 480}, cand, "single", s.clock.Now())
	if err != nil {
		t.Fatalf("confirmCandidate: %v", err)
	}
	if !stored {
		t.Fatal("confirmed match must be stored")
	}

	recs := store.Snapshot()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if !rec.Confirmed {
		t.Error("record must be confirmed")
	}
	// The popup's coordinates win over the computed target.
	if rec.X != 513 || rec.Y != 481 {
		t.Errorf("record at (%d, %d), want popup coords (513, 481)", rec.X, rec.Y)
	}
	if !rec.HasScreenshot || len(rec.Screenshot) == 0 {
		t.Error("confirmed record must carry the calibration screenshot")
	}
	if drv.dismissed != 1 {
		t.Errorf("popup dismissed %d times, want 1", drv.dismissed)
	}
	// Calibration found the template on center, so the click stays centered.
	if len(drv.clicks) != 1 || drv.clicks[0] != [2]int{coords.ScreenCenterX, coords.ScreenCenterY} {
		t.Errorf("clicks = %v, want one centered click", drv.clicks)
	}
}

func TestConfirmCandidateEstimateOnSilentPopup(t *testing.T) {
	drv := &fakeDriver{
		shot:  sceneWithTemplate(t, coords.ScreenCenterX, coords.ScreenCenterY),
		popup: "",
	}
	s, store := newTestScanner(t, drv)

	cand := detect.Candidate{X: coords.ScreenCenterX, Y: coords.ScreenCenterY, Score: 0.91}
	stored, err := s.confirmCandidate(context.Background(), 109, scan.Position{X: 200, Y: 300}, cand, "single", s.clock.Now())
	if err != nil {
		t.Fatalf("confirmCandidate: %v", err)
	}
	if !stored {
		t.Fatal("estimate must still be stored")
	}
	rec := store.Snapshot()[0]
	if rec.Confirmed {
		t.Error("silent popup must yield an unconfirmed record")
	}
	if rec.X != 200 || rec.Y != 300 {
		t.Errorf("estimate at (%d, %d), want computed target (200, 300)", rec.X, rec.Y)
	}
	if rec.HasScreenshot {
		t.Error("estimates must not carry screenshots")
	}
}

func TestConfirmCandidateRejectsOtherBuilding(t *testing.T) {
	drv := &fakeDriver{
		shot:  sceneWithTemplate(t, coords.ScreenCenterX, coords.ScreenCenterY),
		popup: "Barracks\nK: 109 X: 512 Y: 480",
	}
	s, store := newTestScanner(t, drv)

	cand := detect.Candidate{X: coords.ScreenCenterX, Y: coords.ScreenCenterY, Score: 0.88}
	stored, err := s.confirmCandidate(context.Background(), 109, scan.Position{X: 512, Y: 480}, cand, "single", s.clock.Now())
	if err != nil {
		t.Fatalf("confirmCandidate: %v", err)
	}
	if stored {
		t.Error("a popup naming another building must not be stored")
	}
	if store.Count() != 0 {
		t.Errorf("store has %d records, want 0", store.Count())
	}
	if drv.dismissed != 1 {
		t.Errorf("popup dismissed %d times, want 1", drv.dismissed)
	}
}

func TestConfirmCandidateRejectsFarPopup(t *testing.T) {
	drv := &fakeDriver{
		shot:  sceneWithTemplate(t, coords.ScreenCenterX, coords.ScreenCenterY),
		popup: "Mercenary Exchange\nK: 109 X: 600 Y: 480",
	}
	s, store := newTestScanner(t, drv)

	cand := detect.Candidate{X: coords.ScreenCenterX, Y: coords.ScreenCenterY, Score: 0.88}
	stored, err := s.confirmCandidate(context.Background(), 109, scan.Position{X: 512, Y: 480}, cand, "single", s.clock.Now())
	if err != nil {
		t.Fatalf("confirmCandidate: %v", err)
	}
	if stored || store.Count() != 0 {
		t.Error("a popup far from the target tile must not be stored")
	}
}

func TestConfirmCandidateDedup(t *testing.T) {
	drv := &fakeDriver{
		shot:  sceneWithTemplate(t, coords.ScreenCenterX, coords.ScreenCenterY),
		popup: "Mercenary Exchange\nK: 109 X: 512 Y: 480",
	}
	s, store := newTestScanner(t, drv)

	cand := detect.Candidate{X: coords.ScreenCenterX, Y: coords.ScreenCenterY, Score: 0.95}
	pos := scan.Position{X: 512, Y: 480}
	first, err := s.confirmCandidate(context.Background(), 109, pos, cand, "single", s.clock.Now())
	if err != nil || !first {
		t.Fatalf("first confirmation: stored=%v err=%v", first, err)
	}
	second, err := s.confirmCandidate(context.Background(), 109, pos, cand, "single", s.clock.Now())
	if err != nil {
		t.Fatalf("second confirmation: %v", err)
	}
	if second {
		t.Error("revisiting a known tile must not store a second record")
	}
	if store.Count() != 1 {
		t.Errorf("store has %d records, want 1", store.Count())
	}
}

func TestScanPositionNoCandidates(t *testing.T) {
	drv := &fakeDriver{shot: emptyScene(t)}
	s, store := newTestScanner(t, drv)

	n, err := s.scanPosition(context.Background(), 109, scan.Position{X: 512, Y: 512}, "single", s.clock.Now())
	if err != nil {
		t.Fatalf("scanPosition: %v", err)
	}
	if n != 0 || store.Count() != 0 {
		t.Errorf("empty scene produced %d records", store.Count())
	}
	if len(drv.clicks) != 0 {
		t.Errorf("empty scene must not click, got %v", drv.clicks)
	}
}

func TestCommandGuards(t *testing.T) {
	drv := &fakeDriver{shot: emptyScene(t)}
	s, _ := newTestScanner(t, drv)

	if err := s.Pause(); err != ErrNotScanning {
		t.Errorf("Pause when idle = %v, want ErrNotScanning", err)
	}
	if err := s.Stop(); err != ErrNotStoppable {
		t.Errorf("Stop when idle = %v, want ErrNotStoppable", err)
	}
	if _, err := s.QueueManualScan(111); err != ErrNoDriver {
		t.Errorf("manual scan without driver = %v, want ErrNoDriver", err)
	}
	if err := s.Logout(); err != nil {
		t.Errorf("Logout when idle must be a no-op, got %v", err)
	}
	if st := s.Status(); st.Phase != PhaseIdle {
		t.Errorf("phase = %s, want idle", st.Phase)
	}
}

func TestStartWithoutKingdoms(t *testing.T) {
	drv := &fakeDriver{shot: emptyScene(t)}
	s, _ := newTestScanner(t, drv)
	s.cfg.Kingdoms = nil
	if err := s.Start(); err != ErrNoKingdoms {
		t.Errorf("Start with no kingdoms = %v, want ErrNoKingdoms", err)
	}
}

func TestScanLifecycle(t *testing.T) {
	drv := &fakeDriver{shot: emptyScene(t)}
	s, _ := newTestScanner(t, drv)

	if err := s.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if st := s.Status(); st.Phase != PhaseReady {
		t.Fatalf("phase after prepare = %s, want ready", st.Phase)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "scanning", func() bool { return s.Status().Phase == PhaseScanning })
	if err := s.Start(); err != ErrAlreadyScanning {
		t.Errorf("second Start = %v, want ErrAlreadyScanning", err)
	}

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitFor(t, "paused", func() bool { return s.Status().Paused })

	// Start doubles as resume.
	if err := s.Start(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "resumed", func() bool {
		st := s.Status()
		return st.Running && !st.Paused
	})

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "ready after stop", func() bool { return s.Status().Phase == PhaseReady })
	if drv.shutdowns != 0 {
		t.Error("Stop must keep the session alive")
	}

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if st := s.Status(); st.Phase != PhaseIdle {
		t.Errorf("phase after logout = %s, want idle", st.Phase)
	}
	if drv.shutdowns != 1 {
		t.Errorf("driver shut down %d times, want 1", drv.shutdowns)
	}
}

func TestManualScanInterleaves(t *testing.T) {
	drv := &fakeDriver{shot: emptyScene(t)}
	s, _ := newTestScanner(t, drv)

	if err := s.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "scanning", func() bool { return s.Status().Phase == PhaseScanning })

	mode, err := s.QueueManualScan(111)
	if err != nil {
		t.Fatalf("QueueManualScan: %v", err)
	}
	if mode != "queued" {
		t.Errorf("mode = %q, want queued while the loop runs", mode)
	}
	waitFor(t, "manual kingdom visited", func() bool { return drv.sawKingdom(111) })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "stopped", func() bool { return s.Status().Phase == PhaseReady })
	if !drv.sawKingdom(109) {
		t.Error("configured kingdom was never scanned")
	}
}

func TestManualScanStandalone(t *testing.T) {
	drv := &fakeDriver{shot: emptyScene(t)}
	s, _ := newTestScanner(t, drv)

	if err := s.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	mode, err := s.QueueManualScan(205)
	if err != nil {
		t.Fatalf("QueueManualScan: %v", err)
	}
	if mode != "running" {
		t.Errorf("mode = %q, want running in ready phase", mode)
	}
	waitFor(t, "manual scan done", func() bool {
		return drv.sawKingdom(205) && s.Status().ManualScanKingdom == nil
	})
	if st := s.Status(); st.Phase != PhaseReady {
		t.Errorf("phase after manual scan = %s, want ready", st.Phase)
	}
}

func TestPrepareFailureSurfacesError(t *testing.T) {
	drv := &fakeDriver{shot: emptyScene(t), loginErr: fmt.Errorf("portal unreachable")}
	s, _ := newTestScanner(t, drv)

	if err := s.Prepare(context.Background()); err == nil {
		t.Fatal("Prepare must fail when login fails")
	}
	st := s.Status()
	if st.Phase != PhaseIdle {
		t.Errorf("phase = %s, want idle after failed prepare", st.Phase)
	}
	if st.LastError == "" {
		t.Error("last_error must record the login failure")
	}
}
