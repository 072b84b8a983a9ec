package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cosplans/internal/apperrors"
	"cosplans/internal/config"
	"cosplans/internal/mq"
	"cosplans/internal/types"
	"cosplans/internal/verifier"
	"cosplans/internal/version"
)

const requestTimeout = 5 * time.Second

type ConnectionService interface {
	Verify(ctx context.Context, form types.ServiceConnectionForm, opts verifier.Options) (types.ConnectionVerificationResult, error)
	Register(ctx context.Context, form types.ServiceConnectionForm) (types.ServiceConnection, error)
	Activate(ctx context.Context, id string) (types.ServiceConnection, types.ConnectionVerificationResult, error)
	Deactivate(ctx context.Context, id string) (types.ServiceConnection, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, teamID string) ([]types.ServiceConnection, error)
}

type HealthReader interface {
	ListSnapshots(ctx context.Context, teamID string) ([]types.HealthSnapshot, error)
}

type IncidentService interface {
	AcknowledgeIncident(ctx context.Context, req types.AcknowledgeIncidentRequest) (*types.Incident, error)
	List(ctx context.Context, filter types.IncidentFilter) ([]types.Incident, error)
}

type HeartbeatTrigger interface {
	RunAll(ctx context.Context) (types.HeartbeatRunSummary, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// SummarySubscriber delivers heartbeat summaries broadcast by other processes.
type SummarySubscriber interface {
	Subscribe(ctx context.Context, exchange string, handler func(context.Context, []byte)) error
}

type Deps struct {
	Connections ConnectionService
	Health      HealthReader
	Incidents   IncidentService
	Heartbeats  HeartbeatTrigger
	Ready       Pinger
	// Summaries is optional; without a broker the hub only sees runs triggered here.
	Summaries SummarySubscriber
	Hub       *Hub
}

type Server struct {
	cfg    config.APIConfig
	deps   Deps
	hub    *Hub
	logger *slog.Logger
	server *http.Server
}

func NewServer(cfg config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Server{cfg: cfg, deps: deps, hub: hub, logger: logger}
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(otelhttp.NewMiddleware(s.cfg.AppID + "-api"))
	router.Use(corsMiddleware)

	router.Get(s.cfg.HealthLivenessEndpoint, s.handleHealth)
	router.Get(s.cfg.HealthReadyEndpoint, s.handleReady)
	router.Get("/version", version.HandleVersion)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", s.hub.ServeWS)

	router.Route("/connections", func(r chi.Router) {
		r.Post("/verify", s.handleVerifyConnection)
		r.Post("/", s.handleRegisterConnection)
		r.Post("/{id}/activate", s.handleActivateConnection)
		r.Post("/{id}/deactivate", s.handleDeactivateConnection)
		r.Delete("/{id}", s.handleDeleteConnection)
	})

	router.Route("/teams/{teamId}", func(r chi.Router) {
		r.Get("/connections", s.handleListConnections)
		r.Get("/health", s.handleListHealth)
		r.Get("/incidents", s.handleListIncidents)
	})

	// Schedulers such as cron only issue GETs.
	router.Get("/heartbeats/run", s.handleRunHeartbeats)
	router.Post("/heartbeats/run", s.handleRunHeartbeats)
	router.Post("/incidents/acknowledge", s.handleAcknowledgeIncident)

	return router
}

func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.deps.Summaries != nil {
		go func() {
			s.logger.Info("starting heartbeat summary subscriber", "exchange", mq.HeartbeatSummaryExchange)
			if err := s.deps.Summaries.Subscribe(ctx, mq.HeartbeatSummaryExchange, func(_ context.Context, body []byte) {
				s.hub.Broadcast(body)
			}); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("summary subscriber exited", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.HTTPAddr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		s.hub.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.writeError(w, r, apperrors.Wrap(apperrors.CodeRepositoryUnavailable, "storage is not reachable", err))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
