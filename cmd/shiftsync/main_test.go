package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/hylla/shiftsync/internal/adapters/client"
	serveradapter "github.com/hylla/shiftsync/internal/adapters/server"
	"github.com/hylla/shiftsync/internal/adapters/server/httpapi"
	"github.com/hylla/shiftsync/internal/adapters/storage/sqlite"
	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/config"
	"github.com/hylla/shiftsync/internal/domain"
	"github.com/hylla/shiftsync/internal/eventbus"
)

// TestMain sets deterministic environment defaults for CLI tests.
func TestMain(m *testing.M) {
	_ = os.Setenv("SHIFTSYNC_DEV_MODE", "false")
	os.Exit(m.Run())
}

// fakeProgram represents fake program data used by this package.
type fakeProgram struct {
	runErr error
}

// Run runs the requested command flow.
func (f fakeProgram) Run() (tea.Model, error) {
	return nil, f.runErr
}

const testSitesConfig = `
[[sites]]
id = "hq"
name = "Head Office"
latitude = -6.2
longitude = 106.816666
radius_meters = 200
`

// writeConfig writes content to a config.toml in a fresh temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestRunVersion(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), []string{"version"}, &out, io.Discard); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if strings.TrimSpace(out.String()) != "shiftsync dev" {
		t.Fatalf("expected version output, got %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"nope"}, io.Discard, io.Discard); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestRunInvalidFlag(t *testing.T) {
	if err := run(context.Background(), []string{"serve", "--bogus"}, io.Discard, io.Discard); err == nil {
		t.Fatal("expected error for invalid flag")
	}
}

func TestRunPathsCommand(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), []string{"--app", "shiftsync-test", "paths"}, &out, io.Discard); err != nil {
		t.Fatalf("run(paths) error = %v", err)
	}
	for _, want := range []string{"app: shiftsync-test", "dev_mode: false", "config:", "sites:", "db:", "export_dir:"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in paths output, got %q", want, out.String())
		}
	}
}

func TestRunRejectsInvalidLoggingLevelFromConfig(t *testing.T) {
	cfgPath := writeConfig(t, "[logging]\nlevel = \"loud\"\n")
	dbPath := filepath.Join(t.TempDir(), "shiftsync.db")
	err := run(context.Background(), []string{"--db", dbPath, "--config", cfgPath, "export"}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("expected logging level error, got %v", err)
	}
}

func TestRunExportEmptyDay(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shiftsync.db")
	cfgPath := writeConfig(t, testSitesConfig)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--db", dbPath, "--config", cfgPath, "export", "--date", "2026-03-02"}, &out, io.Discard); err != nil {
		t.Fatalf("run(export) error = %v", err)
	}
	var export app.DayExport
	if err := json.Unmarshal(out.Bytes(), &export); err != nil {
		t.Fatalf("Unmarshal() error = %v (%q)", err, out.String())
	}
	if export.Version != app.ExportVersion || export.Date != "2026-03-02" || len(export.Sessions) != 0 {
		t.Fatalf("unexpected export %#v", export)
	}

	err := run(context.Background(), []string{"--db", dbPath, "--config", cfgPath, "export", "--date", "03/02/2026"}, io.Discard, io.Discard)
	if err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestRunDeadLettersTableAndJSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shiftsync.db")
	repo, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	recorded := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if _, err := repo.RecordDeadLetter(context.Background(), domain.DeadLetter{
		Event:      domain.NewHeartbeatEvent(time.Second, recorded),
		Attempts:   5,
		LastError:  "disk full",
		RecordedAt: recorded,
	}); err != nil {
		t.Fatalf("RecordDeadLetter() error = %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	cfgPath := writeConfig(t, "")

	var table strings.Builder
	if err := run(context.Background(), []string{"--db", dbPath, "--config", cfgPath, "dead-letters"}, &table, io.Discard); err != nil {
		t.Fatalf("run(dead-letters) error = %v", err)
	}
	if !strings.Contains(table.String(), "disk full") || !strings.Contains(table.String(), "heartbeat") {
		t.Fatalf("unexpected dead letter table %q", table.String())
	}

	var raw bytes.Buffer
	if err := run(context.Background(), []string{"--db", dbPath, "--config", cfgPath, "dead-letters", "--json", "--limit", "1"}, &raw, io.Discard); err != nil {
		t.Fatalf("run(dead-letters --json) error = %v", err)
	}
	var letters []domain.DeadLetter
	if err := json.Unmarshal(raw.Bytes(), &letters); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(letters) != 1 || letters[0].Attempts != 5 {
		t.Fatalf("unexpected dead letters %#v", letters)
	}

	if err := run(context.Background(), []string{"--db", dbPath, "--config", cfgPath, "dead-letters", "--limit", "0"}, io.Discard, io.Discard); err == nil {
		t.Fatal("expected error for non-positive limit")
	}
}

func TestRunServeEndToEnd(t *testing.T) {
	origRunner := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = origRunner })

	var captured serveradapter.Config
	serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
		captured = cfg
		handler, normalized, err := serveradapter.NewHandler(cfg, deps)
		if err != nil {
			return err
		}
		srv := httptest.NewServer(handler)
		defer srv.Close()

		body := `{"employee_id":"e1","latitude":-6.2,"longitude":106.816666,"accuracy":5}`
		resp, err := http.Post(srv.URL+normalized.APIEndpoint+"/attendance/clock_in", "application/json", strings.NewReader(body))
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("clock_in status = %d", resp.StatusCode)
		}

		for _, path := range []string{"/readyz", "/metrics"} {
			resp, err := http.Get(srv.URL + path)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s status = %d", path, resp.StatusCode)
			}
		}
		return nil
	}

	dbPath := filepath.Join(t.TempDir(), "shiftsync.db")
	cfgPath := writeConfig(t, testSitesConfig)
	args := []string{"--db", dbPath, "--config", cfgPath, "serve", "--http", "127.0.0.1:0"}
	if err := run(context.Background(), args, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(serve) error = %v", err)
	}
	if captured.HTTPBind != "127.0.0.1:0" || captured.APIEndpoint != "/api/v1" || captured.ServerName != "shiftsync" {
		t.Fatalf("unexpected server config %#v", captured)
	}

	repo, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer repo.Close()
	open, err := repo.ListOpenSessions(context.Background())
	if err != nil {
		t.Fatalf("ListOpenSessions() error = %v", err)
	}
	if len(open) != 1 || open[0].EmployeeID != "e1" {
		t.Fatalf("expected persisted open session for e1, got %#v", open)
	}
}

func TestRunServeWatchesSitesFile(t *testing.T) {
	origRunner := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = origRunner })
	serveCommandRunner = func(context.Context, serveradapter.Config, serveradapter.Dependencies) error {
		return nil
	}

	dir := t.TempDir()
	sites := "sites:\n  - id: hq\n    name: Head Office\n    latitude: -6.2\n    longitude: 106.816666\n    radius_meters: 150\n"
	if err := os.WriteFile(filepath.Join(dir, "sites.yaml"), []byte(sites), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[attendance]\nsites_file = \"sites.yaml\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	dbPath := filepath.Join(dir, "shiftsync.db")
	if err := run(context.Background(), []string{"--db", dbPath, "--config", cfgPath, "serve"}, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(serve) error = %v", err)
	}
}

func TestRunServeRejectsBadSitesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[attendance]\nsites_file = \"missing.yaml\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	err := run(context.Background(), []string{"--db", filepath.Join(dir, "shiftsync.db"), "--config", cfgPath, "serve"}, io.Discard, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "sites") {
		t.Fatalf("expected sites file error, got %v", err)
	}
}

type stubLiveStatus struct {
	statuses []domain.LiveStatus
}

func (s *stubLiveStatus) Snapshot(context.Context) ([]domain.LiveStatus, error) {
	return s.statuses, nil
}

func (s *stubLiveStatus) EmployeeSnapshot(_ context.Context, employeeID string) (domain.LiveStatus, error) {
	for _, status := range s.statuses {
		if status.EmployeeID == employeeID {
			return status, nil
		}
	}
	return domain.LiveStatus{EmployeeID: employeeID, Status: domain.PresenceOffline}, nil
}

func newStreamServer(t *testing.T, bus *eventbus.Bus, statuses []domain.LiveStatus) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", httpapi.NewHandler(httpapi.Dependencies{
		LiveStatus: &stubLiveStatus{statuses: statuses},
		Stream:     bus,
		Heartbeat:  time.Hour,
	})))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFollowStreamFeedsMonitor(t *testing.T) {
	now := time.Now().UTC()
	bus := eventbus.New(eventbus.Config{})
	t.Cleanup(bus.Close)
	srv := newStreamServer(t, bus, []domain.LiveStatus{
		{EmployeeID: "e1", SessionID: "s1", Status: domain.PresenceWorking, LastUpdated: now},
	})
	c, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	monitor := app.NewResyncMonitor(c, nil, nil, app.ResyncConfig{HeartbeatInterval: time.Hour, Logger: &runtimeLogger{}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- followStream(ctx, c, monitor, "dash-test", &runtimeLogger{}) }()

	waitFor(t, "initial resync", func() bool {
		_, ok := monitor.Projection().Employee("e1")
		return ok
	})
	waitFor(t, "stream subscription", func() bool { return slices.Contains(bus.Subscribers(), "dash-test") })

	status := domain.LiveStatus{EmployeeID: "e2", SessionID: "s2", Status: domain.PresenceOnBreak, LastUpdated: now}
	if _, err := bus.Publish(domain.NewStatusChangedEvent(status)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	waitFor(t, "streamed status", func() bool {
		got, ok := monitor.Projection().Employee("e2")
		return ok && got.Status == domain.PresenceOnBreak
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("followStream() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("followStream did not stop after cancel")
	}
}

func TestFollowStreamStopsWhileServerDown(t *testing.T) {
	c, err := client.New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	monitor := app.NewResyncMonitor(c, nil, nil, app.ResyncConfig{Logger: &runtimeLogger{}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := followStream(ctx, c, monitor, "dash-down", &runtimeLogger{}); err != nil {
		t.Fatalf("followStream() error = %v", err)
	}
}

func TestRunDashboardStartsProgram(t *testing.T) {
	origFactory := programFactory
	t.Cleanup(func() { programFactory = origFactory })
	var started tea.Model
	programFactory = func(m tea.Model) program {
		started = m
		return fakeProgram{}
	}

	bus := eventbus.New(eventbus.Config{})
	t.Cleanup(bus.Close)
	srv := newStreamServer(t, bus, nil)
	cfgPath := writeConfig(t, "")
	dbPath := filepath.Join(t.TempDir(), "shiftsync.db")
	args := []string{"--db", dbPath, "--config", cfgPath, "dashboard", "--remote", srv.URL, "--employee", "e1"}
	if err := run(context.Background(), args, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(dashboard) error = %v", err)
	}
	if started == nil {
		t.Fatal("expected dashboard program to start")
	}

	programFactory = func(tea.Model) program { return fakeProgram{runErr: context.DeadlineExceeded} }
	if err := run(context.Background(), args, io.Discard, io.Discard); err == nil {
		t.Fatal("expected program error to surface")
	}
}

func TestRuntimeLoggerCanMuteConsoleSink(t *testing.T) {
	var out bytes.Buffer
	logger, err := newRuntimeLogger(&out, "shiftsync", false, config.LoggingConfig{Level: "info"}, time.Now)
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	logger.Info("visible line")
	logger.SetConsoleEnabled(false)
	logger.Info("hidden line")
	if !strings.Contains(out.String(), "visible line") || strings.Contains(out.String(), "hidden line") {
		t.Fatalf("unexpected console output %q", out.String())
	}
}

func TestRunDevModeCreatesWorkspaceLogFile(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	cfgPath := writeConfig(t, fmt.Sprintf("[logging]\nlevel = \"debug\"\n[logging.dev_file]\nenabled = true\ndir = %q\n", logDir))
	dbPath := filepath.Join(t.TempDir(), "shiftsync.db")
	if err := run(context.Background(), []string{"--dev", "--db", dbPath, "--config", cfgPath, "export"}, io.Discard, io.Discard); err != nil {
		t.Fatalf("run(export) error = %v", err)
	}
	entries, err := os.ReadDir(logDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "shiftsync-") {
		t.Fatalf("expected one dev log file, got %#v", entries)
	}
	content, err := os.ReadFile(filepath.Join(logDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(content), "command flow complete") {
		t.Fatalf("expected logfmt runtime events in dev log, got %q", content)
	}
}

func TestWorkspaceRootFromUsesNearestMarker(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if got := workspaceRootFrom(nested); got != root {
		t.Fatalf("workspaceRootFrom() = %q, want %q", got, root)
	}
}

func TestSanitizeLogFileStem(t *testing.T) {
	cases := map[string]string{
		"":             "shiftsync",
		" shift/sync ": "shift-sync",
		"a:b c":        "a-b-c",
		"///":          "shiftsync",
	}
	for in, want := range cases {
		if got := sanitizeLogFileStem(in); got != want {
			t.Fatalf("sanitizeLogFileStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("SHIFTSYNC_TEST_BOOL", "true")
	if v, ok := parseBoolEnv("SHIFTSYNC_TEST_BOOL"); !ok || !v {
		t.Fatalf("parseBoolEnv(true) = %v, %v", v, ok)
	}
	t.Setenv("SHIFTSYNC_TEST_BOOL", "maybe")
	if _, ok := parseBoolEnv("SHIFTSYNC_TEST_BOOL"); ok {
		t.Fatal("expected invalid bool to be ignored")
	}
}
