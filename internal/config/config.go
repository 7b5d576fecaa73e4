// Package config provides configuration loading and structs for embeddy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file configuration.
const (
	EnvDataDir  = "EMBEDDY_DATA_DIR"
	EnvLogLevel = "EMBEDDY_LOG"
	EnvDevice   = "EMBEDDY_DEVICE"
	EnvHubURL   = "EMBEDDY_HUB_URL"
	EnvHubToken = "HF_TOKEN"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Hub       HubConfig       `yaml:"hub"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds the data directory. The registry file and the model
// tree live underneath it.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// LockTimeout bounds the wait for another process's registry lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// RegistryPath is the registry file inside the data directory.
func (s *StorageConfig) RegistryPath() string {
	return filepath.Join(s.DataDir, "models.yaml")
}

// ModelsDir is the root of the per-model download directories.
func (s *StorageConfig) ModelsDir() string {
	return filepath.Join(s.DataDir, "models")
}

// HubConfig holds model hub download settings.
type HubConfig struct {
	URL      string        `yaml:"url"`
	Revision string        `yaml:"revision"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EmbeddingConfig holds inference engine settings.
type EmbeddingConfig struct {
	Backend           string `yaml:"backend"`
	Device            string `yaml:"device"`
	MaxTokens         int    `yaml:"max_tokens"`
	VectorCacheSize   int    `yaml:"vector_cache_size"`
	SharedLibraryPath string `yaml:"shared_library_path"`
}

// CacheConfig holds model cache settings. MaxLoadedModels of 0 keeps every
// loaded model resident.
type CacheConfig struct {
	MaxLoadedModels int `yaml:"max_loaded_models"`
}

// Load reads and parses the config file at path, expands paths, applies
// defaults, then applies environment overrides.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	if cfg.Storage.DataDir != "" {
		cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, configDir)
	}
	if cfg.Embedding.SharedLibraryPath != "" {
		cfg.Embedding.SharedLibraryPath = expandPath(cfg.Embedding.SharedLibraryPath, configDir)
	}

	ApplyDefaults(&cfg)
	ApplyEnv(&cfg)
	return &cfg, nil
}

// Default returns a config built only from defaults and the environment,
// for when no config file exists.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	ApplyEnv(&cfg)
	return &cfg
}

// LoadDotEnv loads a .env file into the process environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with EMBEDDY_* and HF_TOKEN environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		if abs, err := filepath.Abs(v); err == nil {
			v = abs
		}
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv(EnvDevice); v != "" {
		cfg.Embedding.Device = v
	}
	if v := os.Getenv(EnvHubURL); v != "" {
		cfg.Hub.URL = v
	}
	if v := os.Getenv(EnvHubToken); v != "" {
		cfg.Hub.Token = v
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
