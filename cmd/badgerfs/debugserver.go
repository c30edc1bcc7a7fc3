package main

import (
	"context"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/badger-os/vfscore/internal/logger"
	"github.com/badger-os/vfscore/internal/metrics"
)

// serveDebugEndpoints exposes /metrics and the net/http/pprof profiles on
// addr and returns a func that shuts the server down. When addr is empty no
// server is started and the returned func does nothing.
func serveDebugEndpoints(addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warnf("debug server: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		srv.Shutdown(ctx)
	}
}
