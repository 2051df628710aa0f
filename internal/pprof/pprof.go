// Package pprof runs an optional profiling endpoint for diagnosing a
// live engine: goroutine leaks from abandoned session channels and
// blocked pumps show up here long before they show up in logs.
package pprof

import (
	"context"
	"errors"
	"net/http"
	netpprof "net/http/pprof"
	"runtime"
	"time"

	"github.com/kestrel-voice/kestrel/internal/logger"
)

// Server serves the standard pprof handlers on a dedicated listener,
// kept off the main API port so it never shares the auth surface.
type Server struct {
	addr       string
	log        *logger.Logger
	httpServer *http.Server
}

// NewServer prepares a profiling server on addr. Block and mutex
// profiling are enabled so contention in the session channels is
// observable.
func NewServer(addr string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)

	return &Server{
		addr: addr,
		log:  log.WithPrefix("pprof"),
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("Profiling endpoint on http://%s/debug/pprof/", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Profiling server error: %v", err)
		}
	}()
}

// Stop shuts the profiling server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
