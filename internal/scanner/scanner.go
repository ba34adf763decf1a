// Package scanner orchestrates the scan/detect/confirm pipeline across
// kingdoms: a cooperative state machine with pause, stop, and an out-of-band
// manual-scan path.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nekodelia/mercy/internal/config"
	"github.com/nekodelia/mercy/internal/detect"
	"github.com/nekodelia/mercy/internal/event"
	"github.com/nekodelia/mercy/internal/exchange"
	"github.com/nekodelia/mercy/internal/game"
	"github.com/nekodelia/mercy/internal/scan"
)

// maxConsecutiveFailures is the driver-error budget before the session is
// considered lost and released.
const maxConsecutiveFailures = 5

type Scanner struct {
	logger   *slog.Logger
	cfg      *config.Config
	driver   game.Driver
	clock    game.Clock
	detector *detect.Detector
	store    *exchange.Store
	index    *scan.KnownIndex

	mu   sync.Mutex
	cond *sync.Cond

	rootCtx context.Context

	preparing      bool
	driverReady    bool
	running        bool
	paused         bool
	pauseRequested bool
	stopRequested  bool
	adhocBusy      bool

	manualPending bool
	manualRunning bool
	manualKingdom uint32

	currentKingdom uint32
	hasCurrent     bool

	consecFailures int
	lastError      string
	runID          string
	lastPhase      Phase
}

func New(logger *slog.Logger, cfg *config.Config, driver game.Driver, clock game.Clock, detector *detect.Detector, store *exchange.Store, index *scan.KnownIndex) *Scanner {
	s := &Scanner{
		logger:    logger,
		cfg:       cfg,
		driver:    driver,
		clock:     clock,
		detector:  detector,
		store:     store,
		index:     index,
		rootCtx:   context.Background(),
		lastPhase: PhaseIdle,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run parks until the process context ends, then unwinds any active scan and
// releases the driver.
func (s *Scanner) Run(ctx context.Context) error {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.stopRequested = true
	s.cond.Broadcast()
	if s.driverReady {
		s.driver.Shutdown()
		s.driverReady = false
	}
	s.mu.Unlock()
	return nil
}

func (s *Scanner) phaseLocked() Phase {
	switch {
	case s.preparing:
		return PhasePreparing
	case s.running && s.paused:
		return PhasePaused
	case s.running:
		return PhaseScanning
	case s.driverReady:
		return PhaseReady
	default:
		return PhaseIdle
	}
}

// notifyPhaseLocked publishes a phase-change event when the computed phase
// moved. Callers hold the mutex.
func (s *Scanner) notifyPhaseLocked() {
	p := s.phaseLocked()
	if p == s.lastPhase {
		return
	}
	s.lastPhase = p
	event.Send(event.PhaseChanged(event.Text(fmt.Sprintf("scanner phase is now %s", p)), string(p)))
}

// Status returns a value snapshot; no mutating handles escape.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Phase:          s.phaseLocked(),
		Running:        s.running,
		Paused:         s.paused,
		ExchangesFound: s.store.Count(),
		LastError:      s.lastError,
		RunID:          s.runID,
	}
	if s.hasCurrent {
		k := s.currentKingdom
		st.CurrentKingdom = &k
	}
	if s.manualPending || s.manualRunning {
		k := s.manualKingdom
		st.ManualScanKingdom = &k
	}
	return st
}

// Prepare launches and authenticates the driver. Legal only from idle.
func (s *Scanner) Prepare(ctx context.Context) error {
	s.mu.Lock()
	if s.phaseLocked() != PhaseIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	if s.adhocBusy || s.manualRunning {
		s.mu.Unlock()
		return ErrDriverBusy
	}
	s.preparing = true
	s.notifyPhaseLocked()
	s.mu.Unlock()

	err := s.driver.Login(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.preparing = false
	if err != nil {
		s.lastError = err.Error()
		s.notifyPhaseLocked()
		return fmt.Errorf("driver login failed: %w", err)
	}
	s.driverReady = true
	s.lastError = ""
	s.consecFailures = 0
	s.notifyPhaseLocked()
	return nil
}

// Start begins scanning, resumes a paused scan, or auto-prepares from idle.
func (s *Scanner) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		if s.pauseRequested || s.paused {
			s.pauseRequested = false
			s.cond.Broadcast()
			s.notifyPhaseLocked()
			return nil
		}
		return ErrAlreadyScanning
	}
	if s.preparing {
		return ErrPreparing
	}
	if s.adhocBusy || s.manualRunning {
		return ErrDriverBusy
	}
	if len(s.cfg.Kingdoms) == 0 {
		return ErrNoKingdoms
	}

	s.stopRequested = false
	s.pauseRequested = false
	s.runID = uuid.NewString()
	needPrepare := !s.driverReady
	if needPrepare {
		s.preparing = true
	} else {
		s.running = true
	}
	s.notifyPhaseLocked()

	go s.scanTask(needPrepare)
	return nil
}

// Pause requests a cooperative suspension at the next check-in point.
func (s *Scanner) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.pauseRequested || s.paused {
		return ErrNotScanning
	}
	s.pauseRequested = true
	return nil
}

// Stop requests a cooperative cancellation; the scan returns to ready.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotStoppable
	}
	s.stopRequested = true
	s.cond.Broadcast()
	return nil
}

// Logout releases the driver. Legal in idle and ready; idempotent when idle.
func (s *Scanner) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preparing {
		return ErrPreparing
	}
	if s.running {
		return ErrAlreadyScanning
	}
	if s.adhocBusy || s.manualRunning {
		return ErrDriverBusy
	}
	if s.driverReady {
		s.driver.Shutdown()
		s.driverReady = false
	}
	s.lastError = ""
	s.notifyPhaseLocked()
	return nil
}

// QueueManualScan schedules a one-off kingdom scan. While the main loop runs
// it is queued and executes at the next suspension point; otherwise it runs
// immediately on its own task.
func (s *Scanner) QueueManualScan(k uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preparing {
		return "", ErrPreparing
	}
	if s.manualPending || s.manualRunning {
		return "", ErrManualScanActive
	}

	if s.running {
		s.manualPending = true
		s.manualKingdom = k
		s.cond.Broadcast()
		return "queued", nil
	}

	if !s.driverReady {
		return "", ErrNoDriver
	}
	if s.adhocBusy {
		return "", ErrDriverBusy
	}
	s.manualRunning = true
	s.manualKingdom = k
	s.runID = uuid.NewString()
	go s.manualTask(k)
	return "running", nil
}

// BorrowDriver hands the driver to an ad-hoc HTTP request (goto, screenshot).
// Only legal while the scanner is inactive; the release closure must be
// called when done.
func (s *Scanner) BorrowDriver() (game.Driver, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preparing || s.running || s.manualRunning || s.manualPending {
		return nil, nil, ErrDriverBusy
	}
	if !s.driverReady {
		return nil, nil, ErrNoDriver
	}
	if s.adhocBusy {
		return nil, nil, ErrDriverBusy
	}
	s.adhocBusy = true
	release := func() {
		s.mu.Lock()
		s.adhocBusy = false
		s.mu.Unlock()
	}
	return s.driver, release, nil
}

func (s *Scanner) scanCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootCtx
}

// scanTask is the main loop: round-robin over the configured kingdoms until
// stopped or the driver is lost.
func (s *Scanner) scanTask(needPrepare bool) {
	ctx := s.scanCtx()

	if needPrepare {
		err := s.driver.Login(ctx)
		s.mu.Lock()
		s.preparing = false
		if err != nil {
			s.lastError = err.Error()
			s.notifyPhaseLocked()
			s.mu.Unlock()
			s.logger.Error("auto-prepare failed", slog.Any("error", err))
			return
		}
		s.driverReady = true
		s.lastError = ""
		s.consecFailures = 0
		s.running = true
		s.notifyPhaseLocked()
		s.mu.Unlock()
	}

	defer func() {
		s.mu.Lock()
		s.running = false
		s.paused = false
		s.pauseRequested = false
		s.hasCurrent = false
		s.notifyPhaseLocked()
		s.mu.Unlock()
	}()

	for {
		for _, k := range s.cfg.Kingdoms {
			if !s.checkIn() {
				return
			}
			if fatal := s.runKingdom(ctx, k, false); fatal {
				return
			}
		}
		if !s.checkIn() {
			return
		}
	}
}

// manualTask runs a standalone manual scan while the main loop is inactive.
func (s *Scanner) manualTask(k uint32) {
	ctx := s.scanCtx()
	defer func() {
		s.mu.Lock()
		s.manualRunning = false
		s.mu.Unlock()
	}()
	s.runKingdom(ctx, k, true)
}

// checkIn is the suspension point between positions and kingdoms. It serves
// pending manual scans, parks on pause, and reports whether the loop should
// continue.
func (s *Scanner) checkIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopRequested || s.rootCtx.Err() != nil {
			return false
		}
		if s.manualPending {
			k := s.manualKingdom
			s.manualPending = false
			s.manualRunning = true
			s.mu.Unlock()
			ctx := s.scanCtx()
			s.runKingdom(ctx, k, true)
			s.mu.Lock()
			s.manualRunning = false
			continue
		}
		if s.pauseRequested {
			s.paused = true
			s.notifyPhaseLocked()
			s.cond.Wait()
			s.paused = false
			s.notifyPhaseLocked()
			continue
		}
		return true
	}
}

// stopOnly is the manual scan's per-position check: manual scans ignore pause
// and run to completion, honoring only stop and process shutdown.
func (s *Scanner) stopOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopRequested && s.rootCtx.Err() == nil
}

// runKingdom walks one kingdom's planned sequence. Returns true when a fatal
// driver failure released the session.
func (s *Scanner) runKingdom(ctx context.Context, k uint32, manual bool) (fatal bool) {
	pattern := scan.Pattern(s.cfg.ScanPattern)
	positions := scan.Plan(k, pattern, s.cfg.ScanRings, s.cfg.KnownCoverage, s.index)
	start := s.clock.Now()

	s.mu.Lock()
	s.currentKingdom = k
	s.hasCurrent = true
	runID := s.runID
	s.mu.Unlock()

	found := 0
	event.Send(event.ScanStarted(event.Text(fmt.Sprintf("scanning kingdom %d with pattern %s (%d positions)", k, pattern, len(positions))), k, string(pattern), runID))

	if err := s.driver.SetKingdom(ctx, k); err != nil {
		return s.driverFailed(fmt.Errorf("entering kingdom %d: %w", k, err))
	}

	for _, pos := range positions {
		if manual {
			if !s.stopOnly() {
				break
			}
		} else if !s.checkIn() {
			break
		}

		n, err := s.scanPosition(ctx, k, pos, string(pattern), start)
		if err != nil {
			if s.driverFailed(fmt.Errorf("position (%d, %d, %d): %w", k, pos.X, pos.Y, err)) {
				return true
			}
			continue
		}
		s.resetFailures()
		found += n
	}

	event.Send(event.ScanFinished(event.Text(fmt.Sprintf("kingdom %d finished, %d exchanges", k, found)), k, found, s.clock.Now().Sub(start)))
	return false
}

// scanPosition navigates, screenshots, detects, and confirms each candidate.
// Returns the number of stored records.
func (s *Scanner) scanPosition(ctx context.Context, k uint32, pos scan.Position, pattern string, scanStart time.Time) (int, error) {
	if err := s.driver.NavigateTo(ctx, k, pos.X, pos.Y); err != nil {
		return 0, fmt.Errorf("navigate: %w", err)
	}
	s.clock.Sleep(s.cfg.NavigateDelay)

	shot, err := s.driver.Screenshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("screenshot: %w", err)
	}
	s.saveDebug(k, pos.X, pos.Y, "scan", shot)

	img, err := decodePNG(shot)
	if err != nil {
		return 0, fmt.Errorf("decoding screenshot: %w", err)
	}

	candidates, err := s.detector.Detect(img)
	if err != nil {
		// Screenshot smaller than the template means the session is
		// misconfigured; treat as a lost driver. Filling the failure budget
		// makes the caller's driverFailed release the session on this error.
		s.mu.Lock()
		s.consecFailures = maxConsecutiveFailures - 1
		s.mu.Unlock()
		return 0, fmt.Errorf("detect: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	s.logger.Info("detection candidates",
		slog.Int("count", len(candidates)),
		slog.Any("kingdom", k),
		slog.Int("x", pos.X),
		slog.Int("y", pos.Y))

	stored := 0
	for _, cand := range candidates {
		ok, err := s.confirmCandidate(ctx, k, pos, cand, pattern, scanStart)
		if err != nil {
			return stored, err
		}
		if ok {
			stored++
		}
	}
	return stored, nil
}

// driverFailed counts a transient failure and, past the budget, releases the
// driver and resets to idle. Accumulated records survive.
func (s *Scanner) driverFailed(err error) (fatal bool) {
	s.logger.Warn("driver operation failed", slog.Any("error", err))

	s.mu.Lock()
	s.consecFailures++
	fatal = s.consecFailures >= maxConsecutiveFailures
	if fatal {
		s.lastError = fmt.Sprintf("driver released after %d consecutive failures: %s", s.consecFailures, err)
		s.driver.Shutdown()
		s.driverReady = false
		s.stopRequested = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	if fatal {
		event.Send(event.ScannerError(event.Text(fmt.Sprintf("scanner stopped: %s", err))))
	}
	return fatal
}

func (s *Scanner) resetFailures() {
	s.mu.Lock()
	s.consecFailures = 0
	s.mu.Unlock()
}

func (s *Scanner) saveDebug(k uint32, x, y int, stage string, shot []byte) {
	if !s.cfg.Debug {
		return
	}
	if err := os.MkdirAll(s.cfg.DebugDir, 0o755); err != nil {
		s.logger.Debug("debug dir", slog.Any("error", err))
		return
	}
	name := fmt.Sprintf("k%d_x%d_y%d_%s.png", k, x, y, stage)
	if err := os.WriteFile(filepath.Join(s.cfg.DebugDir, name), shot, 0o644); err != nil {
		s.logger.Debug("debug screenshot", slog.Any("error", err))
	}
}

func decodePNG(b []byte) (image.Image, error) {
	return png.Decode(bytes.NewReader(b))
}
