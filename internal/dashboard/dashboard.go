// Package dashboard is the operator-facing HTTP surface: read-only JSON
// endpoints over the durable store plus an SSE stream of state changes,
// gated by an optional API key, routed with go-chi/chi and go-chi/cors.
// /api/rejections is backed by the trading engine's in-memory rejection
// sample buffer so an operator can see why a market isn't trading without
// combing logs.
package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/hazardguard/predictbot/internal/engine"
	"github.com/hazardguard/predictbot/internal/health"
	"github.com/hazardguard/predictbot/internal/storage"
)

// Config holds the bind address and optional API key.
type Config struct {
	Host   string // default 127.0.0.1
	Port   int    // default 8080
	APIKey string // if set, required via X-API-Key header or api_key query param
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	return c
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg     Config
	db      *storage.Database
	checker *health.Checker
	eng     *engine.Engine
	httpSrv *http.Server

	subMu sync.Mutex
	subs  map[chan []byte]struct{}
}

// New builds a Server. eng and checker may be nil in a test harness; the
// corresponding endpoints degrade to an empty/placeholder response rather
// than panicking.
func New(cfg Config, db *storage.Database, checker *health.Checker, eng *engine.Engine) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, db: db, checker: checker, eng: eng, subs: make(map[chan []byte]struct{})}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Get("/api/positions", s.handlePositions)
		r.Get("/api/orders", s.handleOrders)
		r.Get("/api/watchlist", s.handleWatchlist)
		r.Get("/api/triggers", s.handleTriggers)
		r.Get("/api/metrics", s.handleMetrics)
		r.Get("/api/rejections", s.handleRejections)
		r.Get("/api/stream", s.handleStream)
	})

	s.httpSrv = &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: r,
	}
	return s
}

// apiKeyMiddleware enforces the configured DASHBOARD_API_KEY: when set,
// every /api/* request must carry it via the X-API-Key header or the
// api_key query parameter.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.cfg.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP server; it blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.httpSrv.Addr).Msg("dashboard listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, closing any open SSE subscriptions.
func (s *Server) Shutdown() error {
	s.subMu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan []byte]struct{})
	s.subMu.Unlock()
	return s.httpSrv.Close()
}

// Broadcast pushes a state-change event to every open /api/stream
// subscriber. A slow subscriber never blocks the broadcaster: a full
// channel drops the event for that one subscriber.
func (s *Server) Broadcast(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame := append([]byte("event: "+event+"\ndata: "), b...)
	frame = append(frame, '\n', '\n')

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func limitParam(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, map[string]string{"status": "unknown"})
		return
	}
	agg := s.checker.CheckAll(r.Context())
	if agg.Status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, agg)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.GetAllPositions(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.GetOrders(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.GetWatchlist(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.GetTriggers(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, map[string]string{})
		return
	}
	writeJSON(w, s.checker.Snapshot())
}

// handleRejections serves a sample of the most recently rejected signals,
// newest first.
func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	if s.eng == nil {
		writeJSON(w, []engine.Rejection{})
		return
	}
	writeJSON(w, s.eng.RecentRejections(limitParam(r, 50)))
}

// handleStream serves /api/stream as Server-Sent Events: each connection
// registers its own channel with Broadcast and forwards frames until the
// client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan []byte, 32)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	defer func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			w.Write(frame)
			flusher.Flush()
		case <-keepalive.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}
