// Package server exposes the diagnostics read surface over HTTP: latest
// frame, telemetry snapshots, frame history, prometheus metrics and a
// websocket feed of published frames. It is a pure read projection of the
// frame state store; nothing here mutates pipeline state except the
// explicit peak-reset endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"skywatch/internal/encode"
	"skywatch/internal/metric"
	"skywatch/internal/state"
	"skywatch/internal/storage"
	"skywatch/internal/worker"
)

// Server wraps the diagnostics HTTP server.
type Server struct {
	addr    string
	store   *state.Store
	history *storage.Store
	stacker *worker.Worker
	prom    *metric.Metrics
	log     *slog.Logger

	hub    *frameHub
	server *http.Server
}

// New builds a server. history, stacker and prom may be nil; the matching
// endpoints degrade gracefully.
func New(addr string, store *state.Store, history *storage.Store, stacker *worker.Worker, prom *metric.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:    addr,
		store:   store,
		history: history,
		stacker: stacker,
		prom:    prom,
		log:     log,
		hub:     newFrameHub(log),
	}
}

// Router returns the configured route table; split out so tests can drive
// handlers without a listening socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/status/stacker", s.handleStackerStatus).Methods("GET")
	r.HandleFunc("/status/filters", s.handleFilterMetrics).Methods("GET")
	r.HandleFunc("/status/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/status/reset-peaks", s.handleResetPeaks).Methods("POST")
	r.HandleFunc("/frame/latest", s.handleLatestFrame).Methods("GET")
	r.HandleFunc("/frame/raw", s.handleRawFrame).Methods("GET")
	r.HandleFunc("/live", s.hub.handleWebSocket).Methods("GET")
	if s.prom != nil {
		r.Handle("/metrics", s.prom.Handler()).Methods("GET")
	}
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx, s.store)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down diagnostics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info("diagnostics server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	Running              bool                    `json:"running"`
	ConfigurationVersion uint64                  `json:"configuration_version"`
	LastError            string                  `json:"last_error,omitempty"`
	LastErrorAt          *time.Time              `json:"last_error_at,omitempty"`
	Stacker              worker.Status           `json:"background_stacker"`
	Filters              filtersSection          `json:"filters"`
	Frame                *frameSection           `json:"frame,omitempty"`
}

type filtersSection struct {
	GeneratedAt time.Time `json:"generated_at"`
	Count       int       `json:"count"`
}

type frameSection struct {
	Timestamp      time.Time `json:"timestamp"`
	Format         string    `json:"format"`
	Bytes          int       `json:"bytes"`
	FramesStacked  int       `json:"frames_stacked"`
	FiltersApplied []string  `json:"filters_applied"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Running:              s.store.Running(),
		ConfigurationVersion: s.store.ConfigurationVersion(),
		Stacker:              s.store.StackerStatus(),
	}
	if msg, at := s.store.LastError(); msg != "" {
		resp.LastError = msg
		resp.LastErrorAt = &at
	}
	fm := s.store.FilterMetrics()
	resp.Filters = filtersSection{GeneratedAt: fm.GeneratedAt, Count: len(fm.Filters)}
	if f := s.store.LatestFrame(); f != nil {
		resp.Frame = &frameSection{
			Timestamp:      f.Timestamp,
			Format:         f.Format,
			Bytes:          len(f.Data),
			FramesStacked:  f.FramesStacked,
			FiltersApplied: f.FiltersApplied,
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleStackerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.store.StackerStatus())
}

func (s *Server) handleFilterMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.store.FilterMetrics())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history storage disabled", http.StatusNotFound)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.history.RecentFrames(limit)
	if err != nil {
		s.log.Error("history query failed", "error", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleResetPeaks(w http.ResponseWriter, _ *http.Request) {
	if s.stacker == nil {
		http.Error(w, "background stacker disabled", http.StatusNotFound)
		return
	}
	s.stacker.ResetPeaks()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, _ *http.Request) {
	f := s.store.LatestFrame()
	if f == nil {
		http.Error(w, "no frame published yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", encode.ContentType(f.Format))
	w.Header().Set("X-Frame-Timestamp", f.Timestamp.UTC().Format(time.RFC3339))
	w.Write(f.Data)
}

// handleRawFrame serves the unprocessed side of the latest published frame,
// encoded on demand.
func (s *Server) handleRawFrame(w http.ResponseWriter, _ *http.Request) {
	raw := s.store.LatestRaw()
	if raw == nil || raw.Image == nil {
		http.Error(w, "no frame published yet", http.StatusNotFound)
		return
	}
	cfg := s.store.Configuration()
	enc := encode.ForTool(cfg.Encoding.Tool)
	data, format, err := enc.Encode(raw.Image, cfg.Encoding)
	if err != nil {
		s.log.Error("raw frame encode failed", "error", err)
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", encode.ContentType(format))
	w.Header().Set("X-Frame-Timestamp", raw.Timestamp.UTC().Format(time.RFC3339))
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
