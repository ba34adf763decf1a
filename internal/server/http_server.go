// Package server exposes the scanner over HTTP: command endpoints, the
// exchange list, ad-hoc driver access, and a WebSocket status feed.
package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nekodelia/mercy/internal/config"
	"github.com/nekodelia/mercy/internal/coords"
	"github.com/nekodelia/mercy/internal/detect"
	"github.com/nekodelia/mercy/internal/event"
	"github.com/nekodelia/mercy/internal/exchange"
	"github.com/nekodelia/mercy/internal/game"
	"github.com/nekodelia/mercy/internal/scanner"
)

type HttpServer struct {
	logger   *slog.Logger
	cfg      *config.Config
	scanner  *scanner.Scanner
	store    *exchange.Store
	detector *detect.Detector
	clock    game.Clock
	wsServer *WebSocketServer
	server   *http.Server

	// Most recent ad-hoc viewport, fed by /screenshot and /goto and
	// consumed by /detect.
	shotMux  sync.Mutex
	lastShot []byte
}

func New(logger *slog.Logger, cfg *config.Config, sc *scanner.Scanner, store *exchange.Store, detector *detect.Detector, clock game.Clock) *HttpServer {
	return &HttpServer{
		logger:   logger,
		cfg:      cfg,
		scanner:  sc,
		store:    store,
		detector: detector,
		clock:    clock,
		wsServer: NewWebSocketServer(),
	}
}

// Handler builds the routed and authenticated handler tree.
func (s *HttpServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /prepare", s.prepare)
	mux.HandleFunc("POST /start", s.start)
	mux.HandleFunc("POST /pause", s.pause)
	mux.HandleFunc("POST /stop", s.stop)
	mux.HandleFunc("POST /logout", s.logout)
	mux.HandleFunc("POST /scan-kingdom", s.scanKingdom)
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("GET /exchanges", s.exchanges)
	mux.HandleFunc("GET /exchanges/{i}/screenshot", s.exchangeScreenshot)
	mux.HandleFunc("GET /screenshot", s.screenshot)
	mux.HandleFunc("GET /goto", s.gotoCoords)
	mux.HandleFunc("GET /detect", s.detectLast)
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.requireToken(mux)
}

// Listen serves until ctx is cancelled, then drains connections.
func (s *HttpServer) Listen(ctx context.Context) error {
	go s.wsServer.Run(ctx)
	go s.wsServer.BroadcastStatus(ctx, func() any { return s.scanner.Status() })

	s.server = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requireToken enforces bearer-token auth on every route. WebSocket clients
// cannot set headers from a browser, so /ws also accepts ?token=.
func (s *HttpServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == r.Header.Get("Authorization") {
			token = ""
		}
		if token == "" && r.URL.Path == "/ws" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			http.Error(w, "missing or invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mapCommandError translates scanner guard failures into HTTP status codes.
func mapCommandError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, scanner.ErrNoDriver):
		return http.StatusBadGateway
	case errors.Is(err, scanner.ErrNotIdle),
		errors.Is(err, scanner.ErrAlreadyScanning),
		errors.Is(err, scanner.ErrNotScanning),
		errors.Is(err, scanner.ErrNotStoppable),
		errors.Is(err, scanner.ErrPreparing),
		errors.Is(err, scanner.ErrManualScanActive),
		errors.Is(err, scanner.ErrNoKingdoms),
		errors.Is(err, scanner.ErrDriverBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *HttpServer) command(w http.ResponseWriter, err error) {
	if err != nil {
		http.Error(w, err.Error(), mapCommandError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (s *HttpServer) prepare(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.scanner.Prepare(r.Context()))
}

func (s *HttpServer) start(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.scanner.Start())
}

func (s *HttpServer) pause(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.scanner.Pause())
}

func (s *HttpServer) stop(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.scanner.Stop())
}

func (s *HttpServer) logout(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.scanner.Logout())
}

func (s *HttpServer) scanKingdom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kingdom uint32 `json:"kingdom"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode, err := s.scanner.QueueManualScan(req.Kingdom)
	if err != nil {
		http.Error(w, err.Error(), mapCommandError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": mode})
}

func (s *HttpServer) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.scanner.Status())
}

func (s *HttpServer) exchanges(w http.ResponseWriter, r *http.Request) {
	records := s.store.Snapshot()
	if records == nil {
		records = []exchange.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *HttpServer) exchangeScreenshot(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.PathValue("i"))
	if err != nil {
		http.Error(w, "invalid exchange index", http.StatusBadRequest)
		return
	}
	shot, ok := s.store.Screenshot(i)
	if !ok {
		http.Error(w, "no screenshot for that exchange", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(shot)
}

func (s *HttpServer) screenshot(w http.ResponseWriter, r *http.Request) {
	drv, release, err := s.scanner.BorrowDriver()
	if err != nil {
		http.Error(w, err.Error(), mapCommandError(err))
		return
	}
	defer release()

	shot, err := drv.Screenshot(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("screenshot failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.storeLastShot(shot)
	w.Header().Set("Content-Type", "image/png")
	w.Write(shot)
}

func (s *HttpServer) gotoCoords(w http.ResponseWriter, r *http.Request) {
	k, err1 := strconv.ParseUint(r.URL.Query().Get("k"), 10, 32)
	x, err2 := strconv.Atoi(r.URL.Query().Get("x"))
	y, err3 := strconv.Atoi(r.URL.Query().Get("y"))
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, "k, x and y must be integers", http.StatusBadRequest)
		return
	}

	drv, release, err := s.scanner.BorrowDriver()
	if err != nil {
		http.Error(w, err.Error(), mapCommandError(err))
		return
	}
	defer release()

	if err := drv.NavigateTo(r.Context(), uint32(k), x, y); err != nil {
		http.Error(w, fmt.Sprintf("navigate failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.clock.Sleep(s.cfg.NavigateDelay)

	shot, err := drv.Screenshot(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("screenshot failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.storeLastShot(shot)
	w.Header().Set("Content-Type", "image/png")
	w.Write(shot)
}

type detectResponse struct {
	Found     bool     `json:"found"`
	Threshold float64  `json:"threshold"`
	PixelX    *int     `json:"pixel_x,omitempty"`
	PixelY    *int     `json:"pixel_y,omitempty"`
	Score     *float64 `json:"score,omitempty"`
	GameDx    *int     `json:"game_dx,omitempty"`
	GameDy    *int     `json:"game_dy,omitempty"`
}

// detectLast runs the detector over the last ad-hoc viewport.
func (s *HttpServer) detectLast(w http.ResponseWriter, r *http.Request) {
	s.shotMux.Lock()
	shot := s.lastShot
	s.shotMux.Unlock()
	if shot == nil {
		http.Error(w, "no screenshot taken yet", http.StatusBadRequest)
		return
	}

	img, err := decodePNG(shot)
	if err != nil {
		http.Error(w, fmt.Sprintf("stored screenshot is not decodable: %v", err), http.StatusInternalServerError)
		return
	}

	resp := detectResponse{Threshold: s.detector.Threshold()}
	best, err := s.detector.BestMatch(img)
	if err != nil {
		http.Error(w, fmt.Sprintf("detection failed: %v", err), http.StatusInternalServerError)
		return
	}
	if best != nil && best.Score >= s.detector.Threshold() {
		resp.Found = true
		resp.PixelX, resp.PixelY = &best.X, &best.Y
		sc := best.Score
		resp.Score = &sc
		dxPx, dyPx := coords.OffsetFromCenter(best.X, best.Y)
		gdx, gdy := coords.PixelToGame(float64(dxPx), float64(dyPx))
		resp.GameDx, resp.GameDy = &gdx, &gdy
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *HttpServer) handleWS(w http.ResponseWriter, r *http.Request) {
	s.wsServer.HandleWebSocket(w, r, func() any { return s.scanner.Status() })
}

// Handle pushes a fresh status frame to WebSocket clients as soon as the
// scanner changes phase or stores an exchange, ahead of the periodic tick.
func (s *HttpServer) Handle(ctx context.Context, e event.Event) error {
	switch e.(type) {
	case event.PhaseChangedEvent, event.ExchangeFoundEvent:
	default:
		return nil
	}
	data, err := json.Marshal(s.scanner.Status())
	if err != nil {
		return err
	}
	s.wsServer.Broadcast(data)
	return nil
}

func (s *HttpServer) storeLastShot(shot []byte) {
	s.shotMux.Lock()
	s.lastShot = shot
	s.shotMux.Unlock()
}

func decodePNG(b []byte) (image.Image, error) {
	return png.Decode(bytes.NewReader(b))
}
