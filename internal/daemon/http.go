package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/convsync/internal/bus"
	intsync "github.com/matheus3301/convsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTPServer serves /metrics and /healthz. It is disabled when the metrics
// address is empty.
type HTTPServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

type health struct {
	Status      string           `json:"status"`
	Workspace   string           `json:"workspace"`
	Activity    intsync.Snapshot `json:"activity"`
	Subscribers int              `json:"subscribers"` // sync engine plus one per open channel
}

// NewHTTPServer binds the metrics address.
func NewHTTPServer(p Params, reg *prometheus.Registry, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) (*HTTPServer, error) {
	addr := p.config().Daemon.MetricsAddr
	if addr == "" {
		return &HTTPServer{logger: logger}, nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health{
			Status:      "ok",
			Workspace:   p.Workspace,
			Activity:    engine.Snapshot(),
			Subscribers: b.Subscribers(),
		})
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &HTTPServer{
		srv:      &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound address, or "" when disabled.
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Start serves in the background.
func (h *HTTPServer) Start() {
	if h.srv == nil {
		h.logger.Info("metrics endpoint disabled")
		return
	}
	h.logger.Info("metrics endpoint starting", zap.String("addr", h.Addr()))
	go func() {
		if err := h.srv.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("metrics endpoint error", zap.Error(err))
		}
	}()
}

func (h *HTTPServer) Stop(ctx context.Context) {
	if h.srv == nil {
		return
	}
	if err := h.srv.Shutdown(ctx); err != nil {
		h.logger.Warn("metrics endpoint shutdown", zap.Error(err))
	}
}
