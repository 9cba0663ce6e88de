package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hylla/shiftsync/internal/domain"
	"gopkg.in/yaml.v3"
)

// sitesFile is the YAML layout of an external sites file.
type sitesFile struct {
	Sites []SiteConfig `yaml:"sites"`
}

// LoadSitesFile reads office sites from a YAML file.
func LoadSitesFile(path string) ([]domain.OfficeSite, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}
	var doc sitesFile
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode sites file %s: %w", path, err)
	}
	return toOfficeSites(doc.Sites, filepath.Base(path))
}

// ResolveSites returns the sites file contents when one is configured, otherwise the inline sites.
func (c Config) ResolveSites() ([]domain.OfficeSite, error) {
	if c.Attendance.SitesFile != "" {
		return LoadSitesFile(c.Attendance.SitesFile)
	}
	return c.OfficeSites()
}

// SiteSink receives reloaded site lists.
type SiteSink interface {
	Replace([]domain.OfficeSite)
}

// WatchLogger is the logging surface WatchSitesFile reports through.
type WatchLogger interface {
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
}

// watchDebounce collapses editor write bursts into one reload.
const watchDebounce = 200 * time.Millisecond

// WatchSitesFile reloads path into sink whenever it changes, until ctx is done.
// The directory is watched so atomic rename-into-place saves are seen.
// A file that fails to parse keeps the previous sites.
func WatchSitesFile(ctx context.Context, path string, sink SiteSink, logger WatchLogger) error {
	if path == "" {
		return errors.New("sites file path is required")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start sites watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch sites dir: %w", err)
	}
	target := filepath.Clean(path)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			reload = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("sites watcher error", "err", err)
		case <-reload:
			reload = nil
			sites, err := LoadSitesFile(path)
			if err != nil {
				logger.Warn("sites reload rejected", "path", path, "err", err)
				continue
			}
			sink.Replace(sites)
			logger.Info("sites reloaded", "path", path, "count", len(sites))
		}
	}
}
