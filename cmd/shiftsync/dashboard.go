package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/shiftsync/internal/adapters/client"
	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/retry"
	"github.com/hylla/shiftsync/internal/tui"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Stream reconnect backoff bounds.
const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// dashboardOptions holds dashboard flags.
type dashboardOptions struct {
	remote       string
	employeeID   string
	subscriberID string
}

func newDashboardCommand(root *rootOptions, stderr io.Writer) *cobra.Command {
	opts := &dashboardOptions{}
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show live employee status from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := root.load("dashboard", stderr)
			if err != nil {
				return err
			}
			// Runtime logs stay in the dev-file sink while the dashboard owns the terminal.
			env.logger.SetConsoleEnabled(false)
			defer env.close(stderr)
			env.logger.Info("command flow start", "command", "dashboard")
			if err := runDashboard(cmd.Context(), env, *opts); err != nil {
				env.logger.Error("command flow failed", "command", "dashboard", "err", err)
				return fmt.Errorf("run dashboard command: %w", err)
			}
			env.logger.Info("command flow complete", "command", "dashboard")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.remote, "remote", "", "server base URL (default http://<server.addr>)")
	cmd.Flags().StringVar(&opts.employeeID, "employee", "", "follow one employee only")
	cmd.Flags().StringVar(&opts.subscriberID, "subscriber", "", "stream subscriber id (default dashboard-<uuid>)")
	return cmd
}

// runDashboard drives the resync monitor from the server stream while the TUI renders its projection.
func runDashboard(ctx context.Context, env *runtimeEnv, opts dashboardOptions) error {
	remote := strings.TrimSpace(opts.remote)
	if remote == "" {
		remote = "http://" + env.cfg.Server.Addr
	}
	subscriberID := strings.TrimSpace(opts.subscriberID)
	if subscriberID == "" {
		subscriberID = "dashboard-" + uuid.NewString()
	}
	c, err := client.New(remote, client.WithAPIPath(env.cfg.Server.APIPath))
	if err != nil {
		return err
	}
	monitor := app.NewResyncMonitor(c, nil, time.Now, app.ResyncConfig{
		HeartbeatInterval: env.cfg.Resync.HeartbeatInterval.Std(),
		Timeout:           env.cfg.Resync.Timeout.Std(),
		EmployeeID:        strings.TrimSpace(opts.employeeID),
		Logger:            env.logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return followStream(gctx, c, monitor, subscriberID, env.logger)
	})

	title := "shiftsync · " + remote
	if opts.employeeID != "" {
		title += " · " + opts.employeeID
	}
	m := tui.NewModel(monitor, tui.WithTitle(title))
	env.logger.Info("starting tui program loop", "remote", remote, "subscriber_id", subscriberID)
	_, runErr := programFactory(m).Run()
	cancel()
	waitErr := g.Wait()
	if runErr != nil {
		return fmt.Errorf("run tui program: %w", runErr)
	}
	return waitErr
}

// streamClient opens push streams.
type streamClient interface {
	OpenStream(ctx context.Context, subscriberID string, opts client.StreamOptions) (*client.Stream, error)
}

// followStream keeps one stream open, feeding the monitor, and reconnects with
// exponential backoff. Each reconnect resyncs through the monitor's Run.
func followStream(ctx context.Context, c streamClient, monitor *app.ResyncMonitor, subscriberID string, logger app.Logger) error {
	wait := retry.ExponentialBackoff(reconnectInitialDelay, 2, reconnectMaxDelay)
	for {
		stream, err := c.OpenStream(ctx, subscriberID, client.StreamOptions{})
		if err == nil {
			wait = retry.ExponentialBackoff(reconnectInitialDelay, 2, reconnectMaxDelay)
			logger.Info("stream connected", "subscriber_id", subscriberID)
			runErr := monitor.Run(ctx, stream.Events())
			stream.Close()
			if runErr != nil {
				return runErr
			}
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("stream closed; reconnecting", "err", stream.Err())
		} else {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("stream connect failed", "err", err)
		}
		if wait(ctx) != nil {
			return nil
		}
	}
}
