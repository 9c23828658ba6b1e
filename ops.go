package ksis

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// OpsServer exposes metrics, health probes and a read-only status API for
// a running Proxy on its own listener. Nothing it serves can change what
// the proxy does.
//
// Routes:
//
//	GET /metrics        Prometheus metrics (when Metrics is set)
//	GET /healthz        liveness
//	GET /readyz         readiness
//	GET /api/status     connection counters and blacklist size
//	GET /api/blacklist  loaded entries
type OpsServer struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:9090")
	Addr string

	// Proxy is the proxy being reported on.
	Proxy *Proxy

	// Compression applies br/zstd/gzip to responses (optional)
	Compression *CompressionConfig

	// Logger for ops server events.
	Logger *slog.Logger

	server *http.Server
}

// NewOpsServer creates an OpsServer for p.
func NewOpsServer(addr string, p *Proxy) *OpsServer {
	return &OpsServer{
		Addr:   addr,
		Proxy:  p,
		Logger: slog.Default(),
	}
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status           string `json:"status"`
	ListenAddr       string `json:"listen_addr,omitempty"`
	Uptime           string `json:"uptime,omitempty"`
	BlacklistEntries int    `json:"blacklist_entries"`
	Stats
}

// BlacklistResponse is returned by GET /api/blacklist.
type BlacklistResponse struct {
	Count   int      `json:"count"`
	Entries []string `json:"entries"`
}

// Handler returns the ops router.
func (o *OpsServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if o.Compression != nil {
		r.Use(Compress(*o.Compression))
	}

	if o.Proxy.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Proxy.Metrics.Handler())
	}
	if hc := o.Proxy.HealthChecker; hc != nil {
		r.Get("/healthz", hc.HandleHealthz)
		r.Get("/readyz", hc.HandleReadyz)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", o.handleStatus)
		r.Get("/blacklist", o.handleBlacklist)
	})

	return r
}

// ListenAndServe serves the ops routes until ctx is done.
func (o *OpsServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", o.Addr)
	if err != nil {
		return err
	}
	return o.Serve(ctx, ln)
}

// Serve serves the ops routes on ln until ctx is done.
func (o *OpsServer) Serve(ctx context.Context, ln net.Listener) error {
	o.server = &http.Server{
		Handler:           o.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.server.Shutdown(shutdownCtx)
	}()

	o.Logger.Info("ops server listening", "addr", ln.Addr().String())
	if err := o.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (o *OpsServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:           "ok",
		BlacklistEntries: o.Proxy.Blacklist.Len(),
		Stats:            o.Proxy.Stats(),
	}
	if addr := o.Proxy.ListenAddr(); addr != nil {
		resp.ListenAddr = addr.String()
	} else {
		resp.Status = "starting"
	}
	if hc := o.Proxy.HealthChecker; hc != nil {
		resp.Uptime = hc.Uptime().Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (o *OpsServer) handleBlacklist(w http.ResponseWriter, _ *http.Request) {
	entries := o.Proxy.Blacklist.Entries()
	if entries == nil {
		entries = []string{}
	}
	writeJSON(w, http.StatusOK, BlacklistResponse{Count: len(entries), Entries: entries})
}
