package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hylla/shiftsync/internal/domain"
	toml "github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that reads and writes Go duration strings ("30s", "5m").
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Logging    LoggingConfig    `toml:"logging"`
	Attendance AttendanceConfig `toml:"attendance"`
	Sites      []SiteConfig     `toml:"sites"`
	Bus        BusConfig        `toml:"bus"`
	Processor  ProcessorConfig  `toml:"processor"`
	Tracking   TrackingConfig   `toml:"tracking"`
	Resync     ResyncConfig     `toml:"resync"`
	Server     ServerConfig     `toml:"server"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type AttendanceConfig struct {
	Timezone         string   `toml:"timezone"`
	SitesFile        string   `toml:"sites_file"`
	ClockOutGeofence bool     `toml:"clock_out_geofence"`
	MaxClockSkew     Duration `toml:"max_clock_skew"`
}

// SiteConfig is one office geofence as written in config.
type SiteConfig struct {
	ID           string  `toml:"id" yaml:"id"`
	Name         string  `toml:"name" yaml:"name"`
	Latitude     float64 `toml:"latitude" yaml:"latitude"`
	Longitude    float64 `toml:"longitude" yaml:"longitude"`
	RadiusMeters float64 `toml:"radius_meters" yaml:"radius_meters"`
}

type BusConfig struct {
	QueueSize int `toml:"queue_size"`
}

type ProcessorConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	WorkerQueue int      `toml:"worker_queue"`
}

type TrackingConfig struct {
	RefreshInterval Duration `toml:"refresh_interval"`
}

type ResyncConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	Timeout           Duration `toml:"timeout"`
}

type ServerConfig struct {
	Addr      string   `toml:"addr"`
	APIPath   string   `toml:"api_path"`
	MCPPath   string   `toml:"mcp_path"`
	Heartbeat Duration `toml:"heartbeat"`
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".shiftsync/log",
			},
		},
		Attendance: AttendanceConfig{
			Timezone:     "UTC",
			MaxClockSkew: Duration(5 * time.Minute),
		},
		Bus: BusConfig{
			QueueSize: 256,
		},
		Processor: ProcessorConfig{
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
			MaxAttempts: 5,
			WorkerQueue: 64,
		},
		Tracking: TrackingConfig{
			RefreshInterval: Duration(30 * time.Second),
		},
		Resync: ResyncConfig{
			HeartbeatInterval: Duration(15 * time.Second),
			Timeout:           Duration(10 * time.Second),
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8420",
			APIPath:   "/api/v1",
			MCPPath:   "/mcp",
			Heartbeat: Duration(15 * time.Second),
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	// A relative sites file is resolved next to the config file.
	if sitesFile := strings.TrimSpace(cfg.Attendance.SitesFile); sitesFile != "" && !filepath.IsAbs(sitesFile) {
		cfg.Attendance.SitesFile = filepath.Join(filepath.Dir(path), sitesFile)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Attendance.MaxClockSkew < 0 {
		return errors.New("attendance.max_clock_skew must be >= 0")
	}
	if _, err := c.OfficeSites(); err != nil {
		return err
	}
	if c.Bus.QueueSize <= 0 {
		return errors.New("bus.queue_size must be > 0")
	}
	if c.Processor.BaseDelay <= 0 {
		return errors.New("processor.base_delay must be > 0")
	}
	if c.Processor.MaxDelay < c.Processor.BaseDelay {
		return errors.New("processor.max_delay must be >= processor.base_delay")
	}
	if c.Processor.MaxAttempts <= 0 {
		return errors.New("processor.max_attempts must be > 0")
	}
	if c.Processor.WorkerQueue <= 0 {
		return errors.New("processor.worker_queue must be > 0")
	}
	if c.Tracking.RefreshInterval <= 0 {
		return errors.New("tracking.refresh_interval must be > 0")
	}
	if c.Resync.HeartbeatInterval <= 0 {
		return errors.New("resync.heartbeat_interval must be > 0")
	}
	if c.Resync.Timeout <= 0 {
		return errors.New("resync.timeout must be > 0")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.Heartbeat <= 0 {
		return errors.New("server.heartbeat must be > 0")
	}
	return nil
}

// Location resolves the attendance timezone used to assign session dates.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Attendance.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid attendance.timezone %q: %w", name, err)
	}
	return loc, nil
}

// OfficeSites converts the inline [[sites]] tables into validated geofences.
func (c Config) OfficeSites() ([]domain.OfficeSite, error) {
	return toOfficeSites(c.Sites, "sites")
}

func toOfficeSites(in []SiteConfig, field string) ([]domain.OfficeSite, error) {
	out := make([]domain.OfficeSite, 0, len(in))
	seen := map[string]struct{}{}
	for idx, raw := range in {
		site, err := domain.NewOfficeSite(raw.ID, raw.Name, domain.GeoPoint{Latitude: raw.Latitude, Longitude: raw.Longitude}, raw.RadiusMeters)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, idx, err)
		}
		if _, ok := seen[site.ID]; ok {
			return nil, fmt.Errorf("%s[%d].id is duplicated: %s", field, idx, site.ID)
		}
		seen[site.ID] = struct{}{}
		out = append(out, site)
	}
	return out, nil
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
