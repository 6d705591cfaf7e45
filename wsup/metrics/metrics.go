// Package metrics exposes the supervisor's operational counters over
// Prometheus, mirroring the internal debug listener pattern the corpus
// uses for observability endpoints that are not part of the request path.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor's collectors. All of them are registered and
// exported, but within this module only AcceptLockForced is updated (by
// Supervisor.ForceReleaseIfHeldBy); nothing here sets the others.
type Metrics struct {
	registry *prometheus.Registry

	WorkersUp        *prometheus.GaugeVec
	WorkerRestarts   *prometheus.CounterVec
	AcceptLockHolds  prometheus.Counter
	AcceptLockForced prometheus.Counter
	KeymgrDropped    *prometheus.CounterVec
}

// New builds a fresh set of collectors registered against a private
// registry, so a second Metrics instance in the same process (as tests
// construct routinely) never collides on default-registry duplicate
// registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		WorkersUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsup",
			Name:      "workers_up",
			Help:      "Whether a given worker slot currently has a running process (1) or not (0).",
		}, []string{"slot"}),
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsup",
			Name:      "worker_restarts_total",
			Help:      "Total number of times a worker slot has been respawned after exiting.",
		}, []string{"slot"}),
		AcceptLockHolds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsup",
			Name:      "accept_lock_acquired_total",
			Help:      "Total number of times any worker has successfully acquired the accept lock.",
		}),
		AcceptLockForced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsup",
			Name:      "accept_lock_forced_total",
			Help:      "Total number of times the supervisor force-released the accept lock after reaping its holder.",
		}),
		KeymgrDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wsup",
			Name:      "keymgr_messages_dropped_total",
			Help:      "Total number of keymgr bus messages dropped for failing validation or naming an unroutable destination.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.WorkersUp,
		m.WorkerRestarts,
		m.AcceptLockHolds,
		m.AcceptLockForced,
		m.KeymgrDropped,
	)
	return m
}

// Server wraps an HTTP listener serving /metrics off m's private registry,
// started and stopped independently of the worker network listeners it is
// reporting on.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and prepares the metrics server without yet accepting
// connections; call Serve to run it.
func (m *Metrics) Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "metrics: listen")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr returns the bound listener address, useful when Listen was given
// port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks accepting connections until Shutdown is called.
func (s *Server) Serve() error {
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
