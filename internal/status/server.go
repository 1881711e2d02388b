// Package status exposes health, counters and Prometheus metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/controller"
	"github.com/pumpsim/internal/models"
)

// Source is the controller view the server reports on.
type Source interface {
	State() controller.State
	Stats() controller.Stats
	Devices() []models.Device
}

type healthResponse struct {
	Ok    bool   `json:"ok"`
	State string `json:"state"`
}

// Tap is the live websocket relay.
type Tap interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

type statusResponse struct {
	controller.Stats
	Devices    []models.Device `json:"devices"`
	TapClients *int            `json:"tap_clients,omitempty"`
}

// NewRouter mounts the endpoints. tap may be nil.
func NewRouter(src Source, gatherer prometheus.Gatherer, tap Tap) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := src.State()
		code := http.StatusOK
		if st != controller.Connected {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, healthResponse{Ok: code == http.StatusOK, State: st.String()})
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{Stats: src.Stats(), Devices: src.Devices()}
		if tap != nil {
			n := tap.ClientCount()
			resp.TapClients = &n
		}
		writeJSON(w, http.StatusOK, resp)
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if tap != nil {
		r.Get("/ws", tap.ServeWS)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func NewServer(port int, handler http.Handler, log zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "status").Logger(),
	}
}

// Serve listens until ctx is done, then shuts down with a short grace period.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}
