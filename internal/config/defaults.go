package config

import (
	"os"
	"path/filepath"
	"time"
)

const appName = "embeddy"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Minute
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}
	if cfg.Storage.LockTimeout == 0 {
		cfg.Storage.LockTimeout = 30 * time.Second
	}
	if cfg.Hub.URL == "" {
		cfg.Hub.URL = "https://huggingface.co"
	}
	if cfg.Hub.Revision == "" {
		cfg.Hub.Revision = "main"
	}
	if cfg.Hub.Timeout == 0 {
		cfg.Hub.Timeout = 30 * time.Minute
	}
	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = "onnx"
	}
	if cfg.Embedding.Device == "" {
		cfg.Embedding.Device = "cpu"
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.VectorCacheSize == 0 {
		cfg.Embedding.VectorCacheSize = 10000
	}
}

// defaultDataDir follows the XDG layout: $XDG_DATA_HOME/embeddy, else
// ~/.local/share/embeddy.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", appName)
	}
	return filepath.Join(os.TempDir(), appName)
}
