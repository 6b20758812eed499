package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
	"github.com/hadarisas/Anomaly-detection-system/internal/store"
	"github.com/hadarisas/Anomaly-detection-system/internal/window"
)

// Reader is the query side of the anomaly store.
type Reader interface {
	Recent(limit int) ([]store.Anomaly, error)
	Aggregate(now time.Time, granularity, horizon time.Duration) ([]model.Bucket, error)
	History(start, end time.Time) (model.Totals, error)
	Histogram(start, end time.Time, interval time.Duration) ([]model.Totals, error)
	RecentLogs(limit int) ([]store.LogRecord, error)
}

const maxHistogramBuckets = 10000

type ServerConfig struct {
	Addr        string
	Horizon     time.Duration
	CORSOrigins []string
}

type Server struct {
	log *logger.Logger
	hub *Hub
	db  Reader
	cfg ServerConfig
	now func() time.Time
}

func NewServer(log *logger.Logger, hub *Hub, db Reader, cfg ServerConfig) *Server {
	if cfg.Horizon <= 0 {
		cfg.Horizon = time.Hour
	}
	return &Server{log: log, hub: hub, db: db, cfg: cfg, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}))
	}
	r.Use(s.log.HTTPLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })
	r.Handle("/ws", s.hub)
	r.Post("/simulate-logs", s.handleSimulateLogs)

	r.Route("/anomalies", func(ar chi.Router) {
		ar.Get("/recent", s.handleRecent)
		ar.Get("/aggregate", s.handleAggregate)
		ar.Get("/history", s.handleHistory)
	})
	r.Route("/logs", func(lr chi.Router) {
		lr.Get("/recent", s.handleRecentLogs)
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("simulator listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(r *http.Request, name string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && n > 0 {
		return n
	}
	return def
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.Recent(intParam(r, "limit", 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": list})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	g := 5 * time.Minute
	if v := r.URL.Query().Get("granularity"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > s.cfg.Horizon {
			http.Error(w, "invalid granularity", http.StatusBadRequest)
			return
		}
		g = d
	}
	buckets, err := s.db.Aggregate(s.now(), g, s.cfg.Horizon)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granularity": window.Label(g), "buckets": buckets})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	end := s.now()
	start := end.Add(-24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid start", http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid end", http.StatusBadRequest)
			return
		}
	}
	if !start.Before(end) {
		http.Error(w, "start must be before end", http.StatusBadRequest)
		return
	}
	if v := r.URL.Query().Get("interval"); v != "" {
		iv, err := time.ParseDuration(v)
		if err != nil || iv <= 0 || end.Sub(start)/iv > maxHistogramBuckets {
			http.Error(w, "invalid interval", http.StatusBadRequest)
			return
		}
		buckets, err := s.db.Histogram(start, end, iv)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"start": start, "end": end, "interval": window.Label(iv), "buckets": buckets})
		return
	}
	t, err := s.db.History(start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.RecentLogs(intParam(r, "limit", 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": list})
}

// handleSimulateLogs returns generated lines without scoring them.
func (s *Server) handleSimulateLogs(w http.ResponseWriter, r *http.Request) {
	n := intParam(r, "num_logs", 10)
	if n > 1000 {
		n = 1000
	}
	anomalies := r.URL.Query().Get("include_anomalies") != "false"
	gen := NewGenerator(s.now().UnixNano(), s.now)
	logs := make([]string, n)
	for i := range logs {
		logs[i] = gen.Line(anomalies && gen.r.Float64() < AnomalyChance)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"logs": logs})
}
