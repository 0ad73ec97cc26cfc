package webmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/internal/recorder"
	"github.com/hau2park/parking-monitor/internal/store"
)

// OfferHandler answers a browser WebRTC offer.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error)
}

// Option customizes a Server.
type Option func(*Server)

// WithRecorder exposes screenshot controls and files.
func WithRecorder(r *recorder.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithWebRTC enables /api/webrtc/offer.
func WithWebRTC(h OfferHandler) Option {
	return func(s *Server) { s.offers = h }
}

// WithHistory enables /api/transitions.
func WithHistory(h store.History) Option {
	return func(s *Server) { s.history = h }
}

// Server serves the debug preview and status endpoints.
type Server struct {
	cfg      Config
	monitor  *Monitor
	frames   *Broadcaster[[]byte]
	status   *Broadcaster[*SerializedEvent]
	recorder *recorder.Recorder
	offers   OfferHandler
	history  store.History
	started  time.Time

	mu        sync.Mutex
	blank     []byte
	lastFrame []byte
	lastEvent *SerializedEvent
}

// NewServer returns a configured monitor server.
func NewServer(cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	if cfg.EpochHistory <= 0 {
		cfg.EpochHistory = def.EpochHistory
	}
	if cfg.PreviewOptions.Width <= 0 || cfg.PreviewOptions.Height <= 0 {
		cfg.PreviewOptions = def.PreviewOptions
	}

	s := &Server{
		cfg:     cfg,
		monitor: NewMonitor(cfg.EpochHistory),
		frames:  NewBroadcaster[[]byte]("FrameBroadcaster", 2),
		status:  NewBroadcaster[*SerializedEvent]("StatusBroadcaster", 4),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	blank, err := blankJPEG(cfg.PreviewOptions)
	if err != nil {
		logger.Warn("WebMonitor", "Failed to render placeholder frame: %v", err)
	}
	s.blank = blank
	return s
}

// Monitor exposes the snapshot store.
func (s *Server) Monitor() *Monitor {
	return s.monitor
}

// WantsFrames reports whether any MJPEG client is connected, so callers
// can skip rendering.
func (s *Server) WantsFrames() bool {
	return s.frames.ClientCount() > 0
}

// PublishFrame fans a rendered JPEG out to MJPEG clients.
func (s *Server) PublishFrame(jpegData []byte) {
	s.mu.Lock()
	s.lastFrame = jpegData
	s.mu.Unlock()
	s.frames.Publish(jpegData)
}

// PublishSnapshot stores snap and pushes it to SSE clients.
func (s *Server) PublishSnapshot(snap Snapshot) {
	s.monitor.Update(snap)
	event, err := NewSerializedEvent(snap)
	if err != nil {
		logger.Warn("WebMonitor", "Failed to serialize snapshot: %v", err)
		return
	}
	s.mu.Lock()
	s.lastEvent = event
	s.mu.Unlock()
	s.status.Publish(event)
}

// PublishEpoch records a completed epoch for /api/epochs and the chart.
func (s *Server) PublishEpoch(r occupancy.EpochReport) {
	s.monitor.RecordEpoch(r)
}

// Close disconnects streaming clients.
func (s *Server) Close() {
	s.frames.Close()
	s.status.Close()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/spaces", s.handleSpaces)
	mux.HandleFunc("/api/spaces/stream", s.handleSpacesStream)
	mux.HandleFunc("/api/epochs", s.handleEpochs)
	mux.HandleFunc("/api/transitions", s.handleTransitions)
	mux.HandleFunc("/charts/occupancy", s.handleOccupancyChart)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.Handle("/screenshots/", http.StripPrefix("/screenshots/", newAssetHandler(s.screenshotDir())))
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
	})
	return c.Handler(mux)
}

func (s *Server) screenshotDir() string {
	if s.recorder != nil {
		return s.recorder.GetStatus().Directory
	}
	return s.cfg.ScreenshotDir
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)

	s.mu.Lock()
	first := s.lastFrame
	if first == nil {
		first = s.blank
	}
	s.mu.Unlock()

	streamMJPEGFromChannel(r.Context(), w, frameCh, first, s.cfg.KeepaliveInterval)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.monitor.Snapshot()
	writeJSON(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.started).Seconds(),
		"has_snapshot":   ok,
		"frame_number":   snap.FrameNumber,
		"mjpeg_clients":  s.frames.ClientCount(),
		"sse_clients":    s.status.ClientCount(),
	})
}

func (s *Server) handleSpaces(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.monitor.Snapshot()
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "no frames processed yet"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleSpacesStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	s.mu.Lock()
	initial := s.lastEvent
	s.mu.Unlock()

	streamEventsFromChannel(r.Context(), w, eventCh, initial, useProtobuf, s.cfg.KeepaliveInterval)
}

func queryLimit(r *http.Request, def, ceiling int) int {
	v, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, ceiling)
}

func (s *Server) handleEpochs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20, s.cfg.EpochHistory)
	writeJSON(w, map[string]any{
		"epochs": s.monitor.Epochs(limit),
	})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONWithStatus(w, map[string]any{"error": "store keeps no transition history"}, http.StatusNotFound)
		return
	}
	limit := queryLimit(r, 50, 1000)
	records, err := s.history.Transitions(r.Context(), r.URL.Query().Get("space"), limit)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"transitions": records})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "screenshots are not configured"}, http.StatusBadRequest)
		return
	}
	if err := s.recorder.Start(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"directory":  s.recorder.GetStatus().Directory,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "screenshots are not configured"}, http.StatusBadRequest)
		return
	}
	if err := s.recorder.Stop(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"stats":      s.recorder.GetStatus(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recorder.GetStatus())
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.offers == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.offers.HandleOffer(r.Context(), body)
	if err != nil {
		logger.Warn("WebMonitor", "WebRTC offer failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
