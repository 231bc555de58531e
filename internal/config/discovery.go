package config

import (
	"os"
	"path/filepath"
)

// ConfigEnvVar names the environment variable that points at a config file
// or a directory containing config.yaml.
const ConfigEnvVar = "CALLBACKD_CONFIG"

// Discover returns the first config location that exists, checking
// $CALLBACKD_CONFIG, ~/.config/callbackd, /etc/callbackd and ./config.yaml in
// that order. It returns "" when none exist; Load then runs on defaults and
// environment overrides alone.
func Discover() string {
	return discoverIn(os.Getenv(ConfigEnvVar), userConfigDir(), "/etc/callbackd", "config.yaml")
}

func discoverIn(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func userConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "callbackd")
}
