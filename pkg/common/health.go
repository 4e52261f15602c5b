package common

import (
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HealthServer serves liveness on /v1/health and readiness on /v1/readiness.
type HealthServer struct {
	ready  *atomic.Bool
	server *http.Server
}

// NewHealthServer builds a HealthServer listening on addr. Readiness reports
// 503 until ready is set.
func NewHealthServer(addr string, ready *atomic.Bool) *HealthServer {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", hs.health)
	mux.HandleFunc("/v1/readiness", hs.readiness)

	hs.server = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "health"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return hs
}

// Server exposes the underlying http.Server for ListenAndServe and Shutdown.
func (hs *HealthServer) Server() *http.Server { return hs.server }

// Handler returns the instrumented handler.
func (hs *HealthServer) Handler() http.Handler { return hs.server.Handler }

func (hs *HealthServer) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (hs *HealthServer) readiness(w http.ResponseWriter, _ *http.Request) {
	if !hs.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
