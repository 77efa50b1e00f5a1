// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newMetricsRegistry publishes m as an expvar under name, and returns a
// Prometheus registry that exports its values as the metric "<name>_dispatch"
// labelled by counter.
func newMetricsRegistry(name string, m *expvar.Map) *prometheus.Registry {
	expvar.Publish(name, m)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewExpvarCollector(map[string]*prometheus.Desc{
			name: prometheus.NewDesc(name+"_dispatch", "Dispatcher activity counters.", []string{"counter"}, nil),
		}),
		collectors.NewGoCollector(),
	)
	return reg
}

// serveMetrics serves reg at /metrics and the expvar values at /debug/vars on
// addr, until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
