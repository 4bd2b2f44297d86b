// Package server exposes the live session over REST and a WebSocket push channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rewired-gh/flowradar/internal/logger"
	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/monitor"
	"github.com/rewired-gh/flowradar/internal/observability"
	"github.com/rewired-gh/flowradar/internal/session"
)

const (
	defaultStatsLimit = 20
	maxStatsLimit     = 100
)

// Monitor is the session source.
type Monitor interface {
	Snapshot() session.Snapshot
	Subscribe() (<-chan monitor.Update, func())
}

// Feed is the market feed control surface.
type Feed interface {
	Status() models.ConnectionStatus
	Reconnect(ctx context.Context) error
}

// StatsReader reads the mirrored asset statistics.
type StatsReader interface {
	SearchAssetStats(ctx context.Context, query string, limit int) ([]models.AssetStats, error)
	TopAssetStats(ctx context.Context, limit int) ([]models.AssetStats, error)
}

type HTTPServer struct {
	mon         Monitor
	feed        Feed
	stats       StatsReader
	mirrorStats func() any
	hub         *hub
	log         *logger.Logger
	mux         *http.ServeMux
}

// NewHTTPServer builds the router. stats and mirrorStats may be nil when no mirror is configured.
func NewHTTPServer(mon Monitor, feed Feed, stats StatsReader, mirrorStats func() any) *HTTPServer {
	log := logger.With("server")
	s := &HTTPServer{
		mon:         mon,
		feed:        feed,
		stats:       stats,
		mirrorStats: mirrorStats,
		hub:         newHub(log),
		log:         log,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

// Run starts the hub and forwards monitor updates to WebSocket clients until ctx is cancelled.
func (s *HTTPServer) Run(ctx context.Context) {
	updates, cancel := s.mon.Subscribe()
	defer cancel()
	go s.hub.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.hub.publish(marshalUpdate(u))
		}
	}
}

func marshalUpdate(u monitor.Update) []byte {
	switch u.Kind {
	case monitor.KindLiquidation:
		return marshalWS(string(u.Kind), u.Liquidation)
	case monitor.KindAnomaly:
		return marshalWS(string(u.Kind), u.Anomaly)
	case monitor.KindReversal:
		return marshalWS(string(u.Kind), u.Reversal)
	default:
		return marshalWS(string(u.Kind), u.Status)
	}
}

// --------- Routes ----------

func (s *HTTPServer) routes() {
	s.mux.HandleFunc("GET /ws", s.serveWS)

	s.mux.HandleFunc("GET /api/liquidations", s.apiLiquidations)
	s.mux.HandleFunc("GET /api/leaderboard", s.apiLeaderboard)
	s.mux.HandleFunc("GET /api/anomalies", s.apiAnomalies)
	s.mux.HandleFunc("GET /api/reversals", s.apiReversals)
	s.mux.HandleFunc("GET /api/snapshot", s.apiSnapshot)
	s.mux.HandleFunc("GET /api/status", s.apiStatus)
	s.mux.HandleFunc("GET /api/stats", s.apiStats)
	s.mux.HandleFunc("POST /api/feed/reconnect", s.apiReconnect)

	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.Handle("GET /metrics", observability.Handler())
}

func (s *HTTPServer) serveWS(w http.ResponseWriter, r *http.Request) {
	s.hub.serveWS(w, r, marshalWS("snapshot", s.mon.Snapshot()))
}

func (s *HTTPServer) apiLiquidations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Snapshot().Liquidations)
}

func (s *HTTPServer) apiLeaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Snapshot().Leaderboard)
}

func (s *HTTPServer) apiAnomalies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Snapshot().Anomalies)
}

func (s *HTTPServer) apiReversals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Snapshot().Reversals)
}

func (s *HTTPServer) apiSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Snapshot())
}

func (s *HTTPServer) apiStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.mon.Snapshot()
	resp := map[string]any{
		"feed": s.feed.Status(),
		"session": map[string]int{
			"liquidations": len(snap.Liquidations),
			"anomalies":    len(snap.Anomalies),
			"reversals":    len(snap.Reversals),
			"leaderboard":  len(snap.Leaderboard),
		},
	}
	if s.mirrorStats != nil {
		resp["mirror"] = s.mirrorStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) apiStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence mirror disabled")
		return
	}
	limit := defaultStatsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxStatsLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		rows []models.AssetStats
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		rows, err = s.stats.SearchAssetStats(ctx, q, limit)
	} else {
		rows, err = s.stats.TopAssetStats(ctx, limit)
	}
	if err != nil {
		s.log.Warn("stats query failed: %v", err)
		writeError(w, http.StatusBadGateway, "stats unavailable")
		return
	}
	if rows == nil {
		rows = []models.AssetStats{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *HTTPServer) apiReconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := s.feed.Reconnect(ctx); err != nil {
		s.log.Warn("manual reconnect failed: %v", err)
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.feed.Status())
}

func (s *HTTPServer) healthz(w http.ResponseWriter, r *http.Request) {
	st := s.feed.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"state": st.State,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
