package app

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// environment holds the variables that override default paths.
type environment struct {
	ConfigPath string `env:"WI_CONFIG_PATH"` // config file location (default: ~/.config/wi.toml)
	Home       string `env:"WI_HOME"`        // base directory for wi data (default: ~/.local/share/wi)
	Actor      string `env:"WI_ACTOR"`       // actor recorded in the ledger (default: login name)
}

// GetDefaults returns application default paths and the default actor,
// checking environment variables first.
func GetDefaults() (map[string]string, error) {
	var e environment
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	configPath, err := getConfigPath(e.ConfigPath)
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir(e.Home)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"actor":       getActor(e.Actor),
	}, nil
}

// getConfigPath falls back to ~/.config/wi.toml.
func getConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "wi.toml"), nil
}

// getBaseDir falls back to the XDG default ~/.local/share/wi.
func getBaseDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "wi"), nil
}

func getActor(override string) string {
	if override != "" {
		return override
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
