// Package server composes HTTP API and MCP transports into one process handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hylla/shiftsync/internal/adapters/server/common"
	"github.com/hylla/shiftsync/internal/adapters/server/httpapi"
	"github.com/hylla/shiftsync/internal/adapters/server/mcpapi"
)

// defaultBindAddress defines the localhost-first serve default.
const defaultBindAddress = "127.0.0.1:8420"

// defaultHeartbeat is the stream idle interval when none is configured.
const defaultHeartbeat = 15 * time.Second

// defaultShutdownTimeout bounds graceful shutdown time once context cancellation starts.
const defaultShutdownTimeout = 5 * time.Second

// Config defines serve-mode endpoint configuration.
type Config struct {
	HTTPBind      string
	APIEndpoint   string
	MCPEndpoint   string
	ServerName    string
	ServerVersion string
	// Heartbeat is the idle interval between stream heartbeats.
	Heartbeat time.Duration
}

// Dependencies defines app-facing adapters required by server transports.
type Dependencies struct {
	Attendance  common.AttendanceService
	LiveStatus  common.LiveStatusReader
	DeadLetters common.DeadLetterReader
	Stream      common.StreamSource
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready backs /readyz. Nil means always ready.
	Ready  func(context.Context) error
	Logger httpapi.Logger
}

// NewHandler composes one root HTTP mux containing health, REST API, and MCP endpoints.
func NewHandler(cfg Config, deps Dependencies) (http.Handler, Config, error) {
	normalizedCfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, Config{}, err
	}
	if deps.Attendance == nil {
		return nil, Config{}, fmt.Errorf("attendance dependency is required")
	}

	mcpHandler, err := mcpapi.NewHandler(
		mcpapi.Config{
			ServerName:    normalizedCfg.ServerName,
			ServerVersion: normalizedCfg.ServerVersion,
			EndpointPath:  normalizedCfg.MCPEndpoint,
		},
		mcpapi.Services{
			Attendance:  deps.Attendance,
			LiveStatus:  deps.LiveStatus,
			DeadLetters: deps.DeadLetters,
		},
	)
	if err != nil {
		return nil, Config{}, fmt.Errorf("configure mcp handler: %w", err)
	}
	apiHandler := httpapi.NewHandler(httpapi.Dependencies{
		Attendance:  deps.Attendance,
		LiveStatus:  deps.LiveStatus,
		DeadLetters: deps.DeadLetters,
		Stream:      deps.Stream,
		Heartbeat:   normalizedCfg.Heartbeat,
		Logger:      deps.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", writeHealthStatus)
	mux.HandleFunc("/readyz", readinessHandler(deps.Ready))
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	mux.Handle(normalizedCfg.MCPEndpoint, mcpHandler)
	mux.Handle(normalizedCfg.APIEndpoint, http.StripPrefix(normalizedCfg.APIEndpoint, apiHandler))
	mux.Handle(normalizedCfg.APIEndpoint+"/", http.StripPrefix(normalizedCfg.APIEndpoint, apiHandler))
	return mux, normalizedCfg, nil
}

// Run starts the composed HTTP server and blocks until shutdown or startup failure.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if ctx == nil {
		ctx = context.Background()
	}

	handler, normalizedCfg, err := NewHandler(cfg, deps)
	if err != nil {
		return fmt.Errorf("build server handler: %w", err)
	}
	httpServer := &http.Server{
		Addr:    normalizedCfg.HTTPBind,
		Handler: handler,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErrCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen and serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		shutdownErr := httpServer.Shutdown(shutdownCtx)
		serveErr := <-serveErrCh
		if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
			return fmt.Errorf("shutdown server: %w", shutdownErr)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve after shutdown: %w", serveErr)
		}
		return nil
	}
}

// normalizeConfig applies defaults and validates endpoint collisions.
func normalizeConfig(cfg Config) (Config, error) {
	cfg.HTTPBind = strings.TrimSpace(cfg.HTTPBind)
	if cfg.HTTPBind == "" {
		cfg.HTTPBind = defaultBindAddress
	}

	cfg.APIEndpoint = normalizeEndpoint(cfg.APIEndpoint, "/api/v1")
	cfg.MCPEndpoint = normalizeEndpoint(cfg.MCPEndpoint, "/mcp")
	if cfg.APIEndpoint == cfg.MCPEndpoint {
		return Config{}, fmt.Errorf("api and mcp endpoints must differ")
	}
	for _, reserved := range []string{"/healthz", "/readyz", "/metrics"} {
		if cfg.APIEndpoint == reserved || cfg.MCPEndpoint == reserved {
			return Config{}, fmt.Errorf("endpoint %s is reserved", reserved)
		}
	}
	if cfg.Heartbeat < 0 {
		return Config{}, fmt.Errorf("heartbeat must not be negative")
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "shiftsync"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	return cfg, nil
}

// normalizeEndpoint normalizes one endpoint path and applies fallback defaults.
func normalizeEndpoint(path string, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = fallback
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = "/" + strings.Trim(path, "/")
	if path == "/" {
		return fallback
	}
	return path
}

// writeHealthStatus responds with a deterministic readiness payload.
func writeHealthStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// readinessHandler reports 503 while the readiness probe fails.
func readinessHandler(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready == nil {
			writeHealthStatus(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeHealthStatus(w, r)
	}
}
