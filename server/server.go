// Package server runs the two HTTP listeners: the WebSocket endpoint and the
// health endpoint used by load balancers and orchestration probes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthCheck probes one dependency. A non-nil error marks the instance
// unhealthy.
type HealthCheck func(ctx context.Context) error

// Config carries the listener settings.
type Config struct {
	Host         string
	Port         int
	WSPath       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	HealthPort int
	HealthPath string
}

// Server hosts the WebSocket and health listeners.
type Server struct {
	cfg       Config
	wsHandler http.Handler
	checks    map[string]HealthCheck
	log       *zap.Logger

	wsServer     *http.Server
	healthServer *http.Server
}

// New builds the listeners around the given WebSocket handler.
func New(cfg Config, wsHandler http.Handler, checks map[string]HealthCheck, log *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		wsHandler: wsHandler,
		checks:    checks,
		log:       log,
	}

	wsMux := http.NewServeMux()
	wsMux.Handle(cfg.WSPath, wsHandler)
	s.wsServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     wsMux,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout must stay unset on the WS listener: it would cut
		// long-lived upgraded connections.
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc(cfg.HealthPath, s.handleHealth)
	s.healthServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Run serves both listeners until one fails or ctx is cancelled, then shuts
// both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.log.Info("websocket listener up",
			zap.String("addr", s.wsServer.Addr), zap.String("path", s.cfg.WSPath))
		if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("websocket listener: %w", err)
		}
	}()
	go func() {
		s.log.Info("health listener up",
			zap.String("addr", s.healthServer.Addr), zap.String("path", s.cfg.HealthPath))
		if err := s.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health listener: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.wsServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("websocket listener shutdown", zap.Error(err))
	}
	if err := s.healthServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("health listener shutdown", zap.Error(err))
	}
	return runErr
}

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	report := healthReport{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			report.Status = "degraded"
			report.Checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			s.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		report.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
