package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nekodelia/mercy/internal/coords"
	"github.com/nekodelia/mercy/internal/detect"
	"github.com/nekodelia/mercy/internal/event"
	"github.com/nekodelia/mercy/internal/exchange"
	"github.com/nekodelia/mercy/internal/scan"
	"github.com/nekodelia/mercy/internal/utils"
)

// recenterTolerancePx is the largest calibration offset the confirmation click
// absorbs without shifting off the screen center.
const recenterTolerancePx = 40

// confirmTileTolerance bounds how far the popup's coordinates may sit from the
// computed target for the popup to count as a confirmation.
const confirmTileTolerance = 3

// popupCoordsRe extracts "K: 109 X: 512 Y: 480" style coordinate lines from
// popup text. Separators and casing vary between popup variants.
var popupCoordsRe = regexp.MustCompile(`(?i)K\s*:?\s*(\d+)\s+X\s*:?\s*(\d+)\s+Y\s*:?\s*(\d+)`)

// confirmCandidate flies to the tile a detection maps to, re-detects to absorb
// navigation drift, clicks the building, and classifies the popup. Returns
// whether a record was stored. Driver failures propagate; an unreadable popup
// degrades to an unconfirmed estimate instead.
func (s *Scanner) confirmCandidate(ctx context.Context, k uint32, pos scan.Position, cand detect.Candidate, pattern string, scanStart time.Time) (bool, error) {
	dxPx, dyPx := coords.OffsetFromCenter(cand.X, cand.Y)
	gdx, gdy := coords.PixelToGame(float64(dxPx), float64(dyPx))
	xt := coords.Clamp(pos.X + gdx)
	yt := coords.Clamp(pos.Y + gdy)

	if err := s.driver.NavigateTo(ctx, k, xt, yt); err != nil {
		return false, fmt.Errorf("navigate to candidate: %w", err)
	}
	s.clock.Sleep(s.cfg.NavigateDelay)

	shot, err := s.driver.Screenshot(ctx)
	if err != nil {
		return false, fmt.Errorf("calibration screenshot: %w", err)
	}
	s.saveDebug(k, xt, yt, "cal", shot)

	clickX, clickY := coords.ScreenCenterX, coords.ScreenCenterY
	var calScore *float64
	if img, err := decodePNG(shot); err == nil {
		if best, err := s.detector.BestMatch(img); err == nil && best != nil {
			sc := best.Score
			calScore = &sc
			cdx, cdy := coords.OffsetFromCenter(best.X, best.Y)
			if cdx > recenterTolerancePx || cdx < -recenterTolerancePx ||
				cdy > recenterTolerancePx || cdy < -recenterTolerancePx {
				clickX, clickY = best.X, best.Y
			}
		}
	}

	if err := s.driver.Click(ctx, clickX, clickY); err != nil {
		return false, fmt.Errorf("confirmation click: %w", err)
	}
	s.clock.Sleep(time.Duration(utils.RandMs(500, 1000)) * time.Millisecond)

	text, err := s.driver.PopupText(ctx)
	if err != nil {
		s.logger.Debug("popup read failed", slog.Any("error", err))
		text = ""
	}

	entry := exchange.Entry{
		Timestamp:        s.clock.Now().UTC(),
		Kingdom:          k,
		InitialScore:     cand.Score,
		CalibrationScore: calScore,
		ScanPattern:      pattern,
		ScanDurationSecs: s.clock.Now().Sub(scanStart).Seconds(),
	}

	stored := false
	pk, px, py, parsed := parsePopup(text)
	switch {
	case parsed && popupMatches(pk, px, py, k, xt, yt) && strings.Contains(strings.ToLower(text), strings.ToLower(s.cfg.SearchTarget)):
		rec := exchange.Record{
			Kingdom:          k,
			X:                px,
			Y:                py,
			FoundAt:          entry.Timestamp,
			Confirmed:        true,
			ScanDurationSecs: entry.ScanDurationSecs,
			HasScreenshot:    true,
			Screenshot:       shot,
		}
		entry.X, entry.Y = px, py
		entry.Confirmed = true
		stored = s.store.Add(rec, entry)
		if stored {
			event.Send(event.ExchangeFound(
				event.WithScreenshot(fmt.Sprintf("confirmed %s at K:%d X:%d Y:%d", s.cfg.SearchTarget, k, px, py), shot),
				k, px, py, true))
		}

	case parsed:
		// A popup naming some other building or a far-away tile. Logged,
		// never stored.
		entry.X, entry.Y = xt, yt
		s.store.LogOnly(entry)
		s.logger.Info("candidate rejected",
			slog.Any("kingdom", k),
			slog.Int("x", xt),
			slog.Int("y", yt),
			slog.String("popup", firstLine(text)))

	default:
		// No popup or no coordinates in it. Keep the computed tile as an
		// unconfirmed estimate.
		rec := exchange.Record{
			Kingdom:          k,
			X:                xt,
			Y:                yt,
			FoundAt:          entry.Timestamp,
			ScanDurationSecs: entry.ScanDurationSecs,
		}
		entry.X, entry.Y = xt, yt
		stored = s.store.Add(rec, entry)
		if stored {
			event.Send(event.ExchangeFound(
				event.Text(fmt.Sprintf("unconfirmed %s estimate at K:%d X:%d Y:%d", s.cfg.SearchTarget, k, xt, yt)),
				k, xt, yt, false))
		}
	}

	if err := s.driver.DismissPopup(ctx); err != nil {
		s.logger.Debug("popup dismiss failed", slog.Any("error", err))
	}
	return stored, nil
}

func popupMatches(pk uint32, px, py int, k uint32, xt, yt int) bool {
	return pk == k && chebyshevDist(px-xt, py-yt) <= confirmTileTolerance
}

// parsePopup pulls the first coordinate triple out of popup text.
func parsePopup(text string) (k uint32, x, y int, ok bool) {
	m := popupCoordsRe.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, 0, false
	}
	ku, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	x, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, 0, false
	}
	y, err = strconv.Atoi(m[3])
	if err != nil {
		return 0, 0, 0, false
	}
	return uint32(ku), x, y, true
}

func chebyshevDist(dx, dy int) int {
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	if dx > dy {
		return dx
	}
	return dy
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
