package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDir = "livelink"

// Dirs are the base directories a config path is derived from.
type Dirs struct {
	Home        string
	ProgramData string
	XDGConfig   string
}

// DefaultConfigPath returns the default location of the named config file
// (e.g. "agent.yaml") for the running platform.
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, Dirs{
		Home:        home,
		ProgramData: os.Getenv("ProgramData"),
		XDGConfig:   os.Getenv("XDG_CONFIG_HOME"),
	}, name)
}

// ResolveConfigPath builds the config path for goos. On Unix systems other
// than macOS, XDG_CONFIG_HOME wins over /etc when set.
func ResolveConfigPath(goos string, d Dirs, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(d.Home, "Library", "Application Support", appDir, name)
	case "windows":
		pd := strings.TrimRight(d.ProgramData, "\\/")
		if pd == "" {
			pd = "C:/ProgramData"
		}
		return filepath.Join(pd, appDir, name)
	}
	if d.XDGConfig != "" {
		return filepath.Join(d.XDGConfig, appDir, name)
	}
	return filepath.Join("/etc", appDir, name)
}

// SiblingPath returns name placed in the directory holding configFile.
func SiblingPath(configFile, name string) string {
	return filepath.Join(filepath.Dir(configFile), name)
}

// GetEnv returns the value of the environment variable key, or def when it
// is unset or empty.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
