package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	serveradapter "github.com/hylla/shiftsync/internal/adapters/server"
	servercommon "github.com/hylla/shiftsync/internal/adapters/server/common"
	"github.com/hylla/shiftsync/internal/adapters/storage/sqlite"
	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/config"
	"github.com/hylla/shiftsync/internal/eventbus"
	"github.com/hylla/shiftsync/internal/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveOptions holds serve flag overrides. Empty values keep the config file's.
type serveOptions struct {
	httpBind    string
	apiEndpoint string
	mcpEndpoint string
}

func newServeCommand(root *rootOptions, stderr io.Writer) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the attendance core behind HTTP, WebSocket, and MCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := root.load("serve", stderr)
			if err != nil {
				return err
			}
			defer env.close(stderr)
			env.logger.Info("command flow start", "command", "serve")
			if err := runServe(cmd.Context(), env, *opts); err != nil {
				env.logger.Error("command flow failed", "command", "serve", "err", err)
				return fmt.Errorf("run serve command: %w", err)
			}
			env.logger.Info("command flow complete", "command", "serve")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.httpBind, "http", "", "HTTP listen address (default from server.addr)")
	cmd.Flags().StringVar(&opts.apiEndpoint, "api-endpoint", "", "HTTP API base endpoint (default from server.api_path)")
	cmd.Flags().StringVar(&opts.mcpEndpoint, "mcp-endpoint", "", "MCP streamable HTTP endpoint (default from server.mcp_path)")
	return cmd
}

// runServe wires storage, the bus, and every pipeline component, then supervises
// them until ctx ends or one fails.
func runServe(ctx context.Context, env *runtimeEnv, opts serveOptions) error {
	cfg := env.cfg
	logger := env.logger

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	sites, err := cfg.ResolveSites()
	if err != nil {
		return fmt.Errorf("resolve office sites: %w", err)
	}
	if len(sites) == 0 {
		logger.Warn("no office sites configured; every clock-in will be rejected")
	}

	logger.Info("opening sqlite repository", "db_path", cfg.Database.Path)
	repo, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		return fmt.Errorf("open sqlite repository: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Warn("sqlite close failed", "db_path", cfg.Database.Path, "err", closeErr)
		}
	}()
	logger.Info("sqlite repository ready", "db_path", cfg.Database.Path, "migrations", "ensured")

	collectors := metrics.New()
	bus := eventbus.New(eventbus.Config{
		QueueSize: cfg.Bus.QueueSize,
		Clock:     time.Now,
		Observer:  collectors,
		Logger:    logger,
	})
	defer bus.Close()

	catalog := app.NewSiteCatalog(sites)
	attendance := app.NewAttendance(catalog, bus, uuid.NewString, time.Now, app.AttendanceConfig{
		Location:         loc,
		ClockOutGeofence: cfg.Attendance.ClockOutGeofence,
		MaxClockSkew:     cfg.Attendance.MaxClockSkew.Std(),
		Logger:           logger,
	})
	if err := attendance.Hydrate(ctx, repo); err != nil {
		return fmt.Errorf("hydrate attendance: %w", err)
	}
	processor := app.NewProcessor(bus, attendance, repo, time.Now, app.ProcessorConfig{
		BaseDelay:   cfg.Processor.BaseDelay.Std(),
		MaxDelay:    cfg.Processor.MaxDelay.Std(),
		MaxAttempts: cfg.Processor.MaxAttempts,
		WorkerQueue: cfg.Processor.WorkerQueue,
		Observer:    collectors,
		Logger:      logger,
	})
	tracker := app.NewTracker(bus, repo, time.Now, app.TrackerConfig{
		RefreshInterval: cfg.Tracking.RefreshInterval.Std(),
		Location:        loc,
		Observer:        collectors,
		Logger:          logger,
	})
	adapter := servercommon.NewAppServiceAdapter(attendance, bus, repo, uuid.NewString, time.Now)

	serverCfg := serveradapter.Config{
		HTTPBind:      firstNonEmpty(opts.httpBind, cfg.Server.Addr),
		APIEndpoint:   firstNonEmpty(opts.apiEndpoint, cfg.Server.APIPath),
		MCPEndpoint:   firstNonEmpty(opts.mcpEndpoint, cfg.Server.MCPPath),
		ServerName:    "shiftsync",
		ServerVersion: version,
		Heartbeat:     cfg.Server.Heartbeat.Std(),
	}
	deps := serveradapter.Dependencies{
		Attendance:  adapter,
		LiveStatus:  tracker,
		DeadLetters: repo,
		Stream:      bus,
		Metrics:     collectors.Handler(),
		Ready:       repo.Ping,
		Logger:      logger,
	}

	// The server going down ends the run; the pipeline then drains.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })
	if sitesFile := cfg.Attendance.SitesFile; sitesFile != "" {
		logger.Info("watching sites file", "path", sitesFile)
		g.Go(func() error { return config.WatchSitesFile(gctx, sitesFile, catalog, logger) })
	}
	g.Go(func() error {
		defer cancel()
		logger.Info("serving", "http", serverCfg.HTTPBind, "api", serverCfg.APIEndpoint, "mcp", serverCfg.MCPEndpoint)
		return serveCommandRunner(gctx, serverCfg, deps)
	})
	return g.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
