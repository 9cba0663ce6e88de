// Package platform resolves where shiftsync keeps its config, office sites,
// attendance database and day exports on each OS.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	defaultAppName = "shiftsync"
	devSuffix      = "-dev"
	configFileName = "config.toml"
	sitesFileName  = "sites.yaml"
	exportsDirName = "exports"
)

// Paths lists the on-disk locations shiftsync reads and writes.
type Paths struct {
	// ConfigPath is the TOML runtime config.
	ConfigPath string
	// SitesPath is the optional YAML office sites file watched by serve.
	SitesPath string
	DataDir   string
	DBPath    string
	// ExportDir receives `export --save` output.
	ExportDir string
}

// ExportFile returns the export file for one YYYY-MM-DD day.
func (p Paths) ExportFile(date string) string {
	return filepath.Join(p.ExportDir, defaultAppName+"-"+date+".json")
}

// Options selects which install paths are resolved for.
type Options struct {
	AppName string
	// DevMode keeps dev runs away from the real attendance database.
	DevMode bool
}

func (o Options) name() string {
	name := strings.TrimSpace(o.AppName)
	if name == "" {
		name = defaultAppName
	}
	if o.DevMode {
		name += devSuffix
	}
	return name
}

// Env carries the environment variables that may move the config or data base.
type Env map[string]string

// baseOverride names the variables that replace one OS's config and data bases.
type baseOverride struct {
	config string
	data   string
}

var baseOverrides = map[string]baseOverride{
	"linux":   {config: "XDG_CONFIG_HOME", data: "XDG_DATA_HOME"},
	"windows": {config: "APPDATA", data: "LOCALAPPDATA"},
}

// DefaultPaths returns the production install paths.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{})
}

// DefaultPathsWithOptions resolves paths for the running OS and user.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("user config dir: %w", err)
	}
	dataDir, err := userDataDir(runtime.GOOS, configDir)
	if err != nil {
		return Paths{}, err
	}
	return PathsFor(runtime.GOOS, environ(runtime.GOOS), configDir, dataDir, opts.name())
}

// userDataDir picks the data base before env overrides. Only linux splits it
// from the config dir by default.
func userDataDir(goos, configDir string) (string, error) {
	switch goos {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("user home dir: %w", err)
		}
		return filepath.Join(home, ".local", "share"), nil
	case "windows":
		if v := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); v != "" {
			return v, nil
		}
	}
	return configDir, nil
}

func environ(goos string) Env {
	keys, ok := baseOverrides[goos]
	if !ok {
		return nil
	}
	return Env{keys.config: os.Getenv(keys.config), keys.data: os.Getenv(keys.data)}
}

// PathsFor resolves paths for one OS from explicit inputs.
func PathsFor(goos string, env Env, userConfigDir, userDataDir, appName string) (Paths, error) {
	if userConfigDir == "" || userDataDir == "" {
		return Paths{}, errors.New("empty base dirs")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return Paths{}, errors.New("empty app name")
	}

	configBase, dataBase := userConfigDir, userDataDir
	if keys, ok := baseOverrides[goos]; ok {
		if v := strings.TrimSpace(env[keys.config]); v != "" {
			configBase = v
		}
		if v := strings.TrimSpace(env[keys.data]); v != "" {
			dataBase = v
		}
	}

	configDir := filepath.Join(configBase, appName)
	dataDir := filepath.Join(dataBase, appName)
	return Paths{
		ConfigPath: filepath.Join(configDir, configFileName),
		SitesPath:  filepath.Join(configDir, sitesFileName),
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, appName+".db"),
		ExportDir:  filepath.Join(dataDir, exportsDirName),
	}, nil
}
