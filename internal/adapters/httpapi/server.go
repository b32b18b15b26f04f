// Package httpapi exposes the read-only operator dashboard over HTTP:
// JSON snapshots, Prometheus metrics and a WebSocket push feed.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SnapshotSource returns the last published dashboard snapshot.
type SnapshotSource interface {
	Current() (domain.DashboardSnapshot, bool)
}

// HistorySource returns persisted opportunities.
type HistorySource interface {
	GetOpportunities(ctx context.Context, from, to time.Time, limit int) ([]domain.Opportunity, error)
}

// BookSource returns the latest book of a market.
type BookSource interface {
	Current(marketID string) (domain.BookSnapshot, bool)
}

// Sources groups what the API reads from. History and Books are optional.
type Sources struct {
	Snapshots SnapshotSource
	History   HistorySource
	Books     BookSource
}

// Server serves the dashboard API.
type Server struct {
	src Sources
	hub *Hub
}

// NewServer creates the API server. hub may be nil to disable /api/v1/ws.
func NewServer(src Sources, hub *Hub) *Server {
	return &Server{src: src, hub: hub}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// El upgrade necesita el ResponseWriter original (http.Hijacker),
	// así que el WebSocket queda fuera del middleware de métricas.
	if s.hub != nil {
		r.Get("/api/v1/ws", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(metrics.Middleware)
		r.Use(middleware.Timeout(10 * time.Second))

		r.Get("/health", s.health)
		r.Handle("/metrics", metrics.Handler())

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/snapshot", s.snapshot)
			r.Get("/opportunities", s.opportunities)
			r.Get("/opportunities/history", s.history)
			r.Get("/orders", s.orders)
			r.Get("/positions", s.positions)
			r.Get("/risk", s.risk)
			r.Get("/markets/{marketID}/book", s.book)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "service": "polyarb"}
	if snap, ok := s.src.Snapshots.Current(); ok {
		resp["halted"] = snap.Halted()
		resp["version"] = snap.Version
		resp["generated_at"] = snap.GeneratedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) opportunities(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": nonNil(snap.Opportunities),
		"timing":        snap.Timing,
	})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.src.History == nil {
		writeError(w, "opportunity history requires a journal", http.StatusNotImplemented)
		return
	}

	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, "invalid from: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, "invalid to: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	opps, err := s.src.History.GetOpportunities(r.Context(), from, to, limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "opportunities": nonNil(opps)})
}

func (s *Server) orders(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.current(w)
	if !ok {
		return
	}
	orders := snap.Orders
	switch r.URL.Query().Get("status") {
	case "", "all":
	case "open":
		orders = snap.OpenOrders()
	default:
		writeError(w, "status must be open or all", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": nonNil(orders)})
}

func (s *Server) positions(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions":      nonNil(snap.Positions),
		"realized_pnl":   snap.RealizedPnL,
		"unrealized_pnl": snap.UnrealizedPnL,
		"total_pnl":      snap.TotalPnL(),
	})
}

func (s *Server) risk(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exposure": snap.Exposure,
		"halted":   snap.Halted(),
		"risk":     snap.Risk,
	})
}

func (s *Server) book(w http.ResponseWriter, r *http.Request) {
	if s.src.Books == nil {
		writeError(w, "books not available", http.StatusNotImplemented)
		return
	}
	marketID := chi.URLParam(r, "marketID")
	book, ok := s.src.Books.Current(marketID)
	if !ok {
		writeError(w, "market not found: "+marketID, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) current(w http.ResponseWriter) (domain.DashboardSnapshot, bool) {
	snap, ok := s.src.Snapshots.Current()
	if !ok {
		writeError(w, "no snapshot yet", http.StatusServiceUnavailable)
	}
	return snap, ok
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
