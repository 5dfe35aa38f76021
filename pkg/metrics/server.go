// Package metrics implements a standalone HTTP server that exposes
// Prometheus metrics, pprof profiles, and a live runtime-stats dashboard.
// It never speaks the tracker's UDP wire protocol and is intended purely
// as an operator-facing sidecar.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btracker-go/utracker/pkg/log"
	"github.com/btracker-go/utracker/pkg/stop"
)

// Server is a standalone HTTP server serving /metrics, pprof profiles, and
// a statsviz dashboard.
type Server struct {
	srv *http.Server
}

var _ stop.Stopper = &Server{}

// Stop shuts down the server, satisfying stop.Stopper.
func (s *Server) Stop() <-chan error {
	c := make(chan error)
	go func() {
		defer close(c)
		if err := s.srv.Shutdown(context.Background()); err != nil {
			c <- err
		}
	}()

	return c
}

// NewServer starts an HTTP server on addr serving a Prometheus /metrics
// endpoint, pprof profiles under /debug/pprof/, and a statsviz dashboard
// under /debug/statsviz/. It returns immediately; failures to bind are
// reported asynchronously via the logger.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := statsviz.Register(mux); err != nil {
		log.Warn("failed to register statsviz dashboard", log.Err(err))
	}

	s := &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}

	go func() {
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed while serving metrics", log.Err(err))
		}
	}()

	return s
}
