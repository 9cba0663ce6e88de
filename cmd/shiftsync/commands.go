package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hylla/shiftsync/internal/adapters/client"
	"github.com/hylla/shiftsync/internal/adapters/storage/sqlite"
	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/domain"
	"github.com/spf13/cobra"
)

func newPathsCommand(root *rootOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config and data paths",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			paths, err := root.paths()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "app: %s\n", root.appName)
			_, _ = fmt.Fprintf(stdout, "dev_mode: %t\n", root.devMode)
			_, _ = fmt.Fprintf(stdout, "config: %s\n", paths.ConfigPath)
			_, _ = fmt.Fprintf(stdout, "sites: %s\n", paths.SitesPath)
			_, _ = fmt.Fprintf(stdout, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(stdout, "db: %s\n", paths.DBPath)
			_, _ = fmt.Fprintf(stdout, "export_dir: %s\n", paths.ExportDir)
			return nil
		},
	}
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(stdout, "shiftsync %s\n", version)
			return err
		},
	}
}

// exportOptions holds export flags.
type exportOptions struct {
	date        string
	outPath     string
	toExportDir bool
}

func newExportCommand(root *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	opts := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write one day's sessions and activity as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := root.load("export", stderr)
			if err != nil {
				return err
			}
			defer env.close(stderr)
			env.logger.Info("command flow start", "command", "export")
			if err := runExport(cmd, env, *opts, stdout); err != nil {
				env.logger.Error("command flow failed", "command", "export", "err", err)
				return fmt.Errorf("run export command: %w", err)
			}
			env.logger.Info("command flow complete", "command", "export")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.date, "date", "", "day to export as YYYY-MM-DD (default today in attendance.timezone)")
	cmd.Flags().StringVar(&opts.outPath, "out", "-", "output file path ('-' for stdout)")
	cmd.Flags().BoolVar(&opts.toExportDir, "save", false, "write <export_dir>/shiftsync-<date>.json instead of --out")
	return cmd
}

// runExport runs the requested command flow.
func runExport(cmd *cobra.Command, env *runtimeEnv, opts exportOptions, stdout io.Writer) error {
	date := strings.TrimSpace(opts.date)
	if date == "" {
		loc, err := env.cfg.Location()
		if err != nil {
			return err
		}
		date = time.Now().In(loc).Format(domain.DateLayout)
	}

	repo, err := sqlite.Open(env.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open sqlite repository: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			env.logger.Warn("sqlite close failed", "db_path", env.cfg.Database.Path, "err", closeErr)
		}
	}()

	export, err := app.ExportDay(cmd.Context(), repo, time.Now, date)
	if err != nil {
		return fmt.Errorf("export day: %w", err)
	}
	encoded, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export json: %w", err)
	}
	encoded = append(encoded, '\n')

	outPath := opts.outPath
	if opts.toExportDir {
		outPath = env.paths.ExportFile(date)
	}
	if outPath == "-" || outPath == "" {
		if _, err := stdout.Write(encoded); err != nil {
			return fmt.Errorf("write export to stdout: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create export output dir: %w", err)
	}
	if err := os.WriteFile(outPath, encoded, 0o644); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	env.logger.Info("export written", "path", outPath, "sessions", len(export.Sessions), "events", len(export.Events))
	return nil
}

// deadLetterOptions holds dead-letters flags.
type deadLetterOptions struct {
	limit  int
	remote string
	asJSON bool
}

func newDeadLettersCommand(root *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	opts := &deadLetterOptions{}
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List sync events that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			env, err := root.load("dead-letters", stderr)
			if err != nil {
				return err
			}
			defer env.close(stderr)
			letters, err := listDeadLetters(cmd, env, *opts)
			if err != nil {
				env.logger.Error("command flow failed", "command", "dead-letters", "err", err)
				return fmt.Errorf("run dead-letters command: %w", err)
			}
			if opts.asJSON {
				encoded, err := json.MarshalIndent(letters, "", "  ")
				if err != nil {
					return fmt.Errorf("encode dead letters json: %w", err)
				}
				_, err = fmt.Fprintf(stdout, "%s\n", encoded)
				return err
			}
			return writeDeadLetterTable(stdout, letters)
		},
	}
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "maximum rows, newest first")
	cmd.Flags().StringVar(&opts.remote, "remote", "", "read from a running server instead of the local database")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func listDeadLetters(cmd *cobra.Command, env *runtimeEnv, opts deadLetterOptions) ([]domain.DeadLetter, error) {
	if remote := strings.TrimSpace(opts.remote); remote != "" {
		c, err := client.New(remote, client.WithAPIPath(env.cfg.Server.APIPath))
		if err != nil {
			return nil, err
		}
		return c.ListDeadLetters(cmd.Context(), opts.limit)
	}
	repo, err := sqlite.Open(env.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			env.logger.Warn("sqlite close failed", "db_path", env.cfg.Database.Path, "err", closeErr)
		}
	}()
	return repo.ListDeadLetters(cmd.Context(), opts.limit)
}

func writeDeadLetterTable(w io.Writer, letters []domain.DeadLetter) error {
	if len(letters) == 0 {
		_, err := fmt.Fprintln(w, "no dead letters")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKIND\tEMPLOYEE\tATTEMPTS\tRECORDED\tLAST ERROR")
	for _, letter := range letters {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			letter.ID,
			letter.Event.Kind,
			letter.Event.EmployeeID,
			letter.Attempts,
			letter.RecordedAt.UTC().Format(time.RFC3339),
			letter.LastError,
		)
	}
	return tw.Flush()
}
