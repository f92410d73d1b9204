package service

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthChecker reports whether the harness is healthy. A run in progress
// is healthy; a failed run is not.
type HealthChecker func() bool

type HealthzServer struct {
	ctx     context.Context
	server  *http.Server
	healthy HealthChecker
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.server = server
	h.ctx = ctx
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	log.Debug("Received health check request", "path", r.URL.Path)
	if h.healthy != nil && !h.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("FAIL")) //nolint:errcheck
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
