package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hadarisas/Anomaly-detection-system/internal/ingest"
	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/metrics"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
	"github.com/hadarisas/Anomaly-detection-system/internal/transport"
	"github.com/hadarisas/Anomaly-detection-system/internal/window"
)

var tracer = otel.Tracer("api")

// Link is the part of the transport session the API drives.
type Link interface {
	Connect()
	Disconnect()
	Send(cmd model.Command) error
	State() transport.State
}

type Seeder interface {
	Run(ctx context.Context) error
}

type History interface {
	History(ctx context.Context, start, end time.Time) (model.Totals, error)
}

type Deps struct {
	Log     *logger.Logger
	Coord   *ingest.Coordinator
	Link    Link
	Seeder  Seeder
	History History
	// Allowed limits the granularities a client may select.
	Allowed   func(time.Duration) bool
	AuthToken string
}

type Config struct {
	Addr        string
	CORSOrigins []string
}

type Server struct {
	d Deps
	c Config
}

func NewServer(d Deps, c Config) *Server { return &Server{d: d, c: c} }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.c.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.c.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}))
	}
	r.Use(s.d.Log.HTTPLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })

	r.Route("/api", func(ar chi.Router) {
		ar.Get("/snapshot", s.handleSnapshot)
		ar.Get("/stream", s.handleStream)
		ar.Get("/ticks", s.handleTicks)
		ar.Get("/history", s.handleHistory)

		ar.Group(func(mr chi.Router) {
			mr.Use(s.auth)
			mr.Post("/connect", s.handleConnect)
			mr.Post("/disconnect", s.handleDisconnect)
			mr.Post("/simulation/{action}", s.handleSimulation)
			mr.Post("/reset", s.handleReset)
			mr.Put("/granularity", s.handleGranularity)
			mr.Post("/seed", s.handleSeed)
		})
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.c.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	s.d.Log.Info().Str("addr", s.c.Addr).Msg("dashboard api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.d.AuthToken != "" {
			got := r.Header.Get("Authorization")
			if !strings.HasPrefix(got, "Bearer ") || strings.TrimPrefix(got, "Bearer ") != s.d.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type stateResp struct {
	State transport.State `json:"state"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /api/snapshot")
	defer span.End()
	snap := s.d.Coord.Snapshot()
	span.SetAttributes(attribute.Int64("snapshot.seq", int64(snap.Seq)))
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /api/ticks")
	defer span.End()
	target, _ := strconv.Atoi(r.URL.Query().Get("target"))
	writeJSON(w, http.StatusOK, map[string][]int{"ticks": window.Ticks(s.d.Coord.Snapshot().Window, target)})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "POST /api/connect")
	defer span.End()
	s.d.Link.Connect()
	writeJSON(w, http.StatusAccepted, stateResp{State: s.d.Link.State()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "POST /api/disconnect")
	defer span.End()
	s.d.Link.Disconnect()
	writeJSON(w, http.StatusAccepted, stateResp{State: s.d.Link.State()})
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "POST /api/simulation")
	defer span.End()
	action := chi.URLParam(r, "action") + "_simulation"
	span.SetAttributes(attribute.String("action", action))
	if !model.ValidAction(action) {
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err := s.d.Link.Send(model.Command{Action: action}); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "POST /api/reset")
	defer span.End()
	s.d.Coord.Reset()
	w.WriteHeader(http.StatusAccepted)
}

type granularityReq struct {
	Granularity string `json:"granularity"`
}

func (s *Server) handleGranularity(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "PUT /api/granularity")
	defer span.End()
	var req granularityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	g, err := time.ParseDuration(req.Granularity)
	if err != nil || (s.d.Allowed != nil && !s.d.Allowed(g)) {
		http.Error(w, "granularity not allowed", http.StatusBadRequest)
		return
	}
	if err := s.d.Coord.SetGranularity(g); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("granularity", window.Label(g)))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "POST /api/seed")
	defer span.End()
	if s.d.Seeder == nil {
		http.Error(w, "seeding not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.d.Seeder.Run(ctx); err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "GET /api/history")
	defer span.End()
	if s.d.History == nil {
		http.Error(w, "history not configured", http.StatusServiceUnavailable)
		return
	}
	end := time.Now()
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
	totals, err := s.d.History.History(ctx, start, end)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}
