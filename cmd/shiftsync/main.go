package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/fang"
	serveradapter "github.com/hylla/shiftsync/internal/adapters/server"
	"github.com/hylla/shiftsync/internal/config"
	"github.com/hylla/shiftsync/internal/platform"
	"github.com/spf13/cobra"
)

// version stores a package-level helper value.
var version = "dev"

// program represents program data used by this package.
type program interface {
	Run() (tea.Model, error)
}

// programFactory stores a package-level helper value.
var programFactory = func(m tea.Model) program {
	return tea.NewProgram(m)
}

// serveCommandRunner starts the HTTP+MCP serve flow.
var serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
	return serveradapter.Run(ctx, cfg, deps)
}

// main handles main.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		stop()
		os.Exit(1)
	}
}

// run builds the command tree and executes args against it.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	root.SetIn(os.Stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return fang.Execute(ctx, root, fang.WithVersion(version))
}

// rootOptions holds the persistent flags every subcommand shares.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
}

// runtimeEnv is the resolved configuration one subcommand runs with.
type runtimeEnv struct {
	paths      platform.Paths
	configPath string
	cfg        config.Config
	logger     *runtimeLogger
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{appName: "shiftsync", devMode: version == "dev"}
	if envDev, ok := parseBoolEnv("SHIFTSYNC_DEV_MODE"); ok {
		opts.devMode = envDev
	}
	if envApp := strings.TrimSpace(os.Getenv("SHIFTSYNC_APP_NAME")); envApp != "" {
		opts.appName = envApp
	}

	root := &cobra.Command{
		Use:   "shiftsync",
		Short: "Attendance sync core: geofenced clock-in, live tracking, and resync",
		Long: "shiftsync runs the attendance state machine behind an HTTP, WebSocket, and MCP\n" +
			"surface, persists activity to SQLite, and renders a live tracking dashboard.",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&opts.appName, "app", opts.appName, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", opts.devMode, "use dev mode paths (<app>-dev)")

	root.AddCommand(
		newServeCommand(opts, stderr),
		newDashboardCommand(opts, stderr),
		newPathsCommand(opts, stdout),
		newExportCommand(opts, stdout, stderr),
		newDeadLettersCommand(opts, stdout, stderr),
		newVersionCommand(stdout),
	)
	return root
}

// paths resolves platform paths for the selected app name and mode.
func (o *rootOptions) paths() (platform.Paths, error) {
	return platform.DefaultPathsWithOptions(platform.Options{
		AppName: o.appName,
		DevMode: o.devMode,
	})
}

// load resolves paths, config, and logging for one command flow.
func (o *rootOptions) load(command string, stderr io.Writer) (*runtimeEnv, error) {
	paths, err := o.paths()
	if err != nil {
		return nil, err
	}

	configPath := strings.TrimSpace(o.configPath)
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("SHIFTSYNC_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(o.dbPath)
	dbOverridden := dbPath != ""
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("SHIFTSYNC_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}

	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}
	if cfg.Attendance.SitesFile == "" && fileExists(paths.SitesPath) {
		cfg.Attendance.SitesFile = paths.SitesPath
	}

	logger, err := newRuntimeLogger(stderr, o.appName, o.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	logger.Info("startup configuration resolved", "app", o.appName, "dev_mode", o.devMode, "command", command)
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}
	return &runtimeEnv{
		paths:      paths,
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// close releases the logger sinks, reporting failures only when the console is live.
func (e *runtimeEnv) close(stderr io.Writer) {
	if closeErr := e.logger.Close(); closeErr != nil && e.logger.shouldLogToSink(e.logger.consoleSink) {
		_, _ = fmt.Fprintf(stderr, "warning: close runtime log sink: %v\n", closeErr)
	}
}

// parseBoolEnv parses input into a normalized form.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
