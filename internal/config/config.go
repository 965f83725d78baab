// Package config loads the engine configuration from a YAML file,
// applying defaults for anything not set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the sync engine settings.
type Config struct {
	// Store настройки локального хранилища
	Store StoreConfig `yaml:"store"`
	// Server настройки серверного хранилища записей
	Server ServerConfig `yaml:"server"`
	// Sync настройки drain-цикла
	Sync SyncConfig `yaml:"sync"`
}

// StoreConfig selects and locates the durable local store backend.
type StoreConfig struct {
	// Backend - "bolt" или "sqlite"
	Backend string `yaml:"backend"`
	// Path путь к файлу базы
	Path string `yaml:"path"`
}

// ServerConfig points at the remote record store.
type ServerConfig struct {
	// URL базовый адрес сервера
	URL string `yaml:"url"`
}

// SyncConfig tunes scheduling and retries.
type SyncConfig struct {
	// Concurrency число сущностей в полёте одновременно
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts предел transient-повторов до перевода в failed
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase задержка первого повтора
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffCap потолок задержки повтора
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// Debounce минимальный интервал между сменами online/offline
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "bolt",
			Path:    "fieldsync.db",
		},
		Server: ServerConfig{
			URL: "http://localhost:8080",
		},
		Sync: SyncConfig{
			Concurrency: 4,
			MaxAttempts: 8,
			BackoffBase: time.Second,
			BackoffCap:  5 * time.Minute,
			Debounce:    2 * time.Second,
		},
	}
}

// Load reads the config file at path. A missing file is not an error:
// defaults apply. Поля, не заданные в файле, тоже получают значения
// по умолчанию.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.Store.Backend != "bolt" && c.Store.Backend != "sqlite" {
		return fmt.Errorf("unknown store backend %q (want bolt or sqlite)", c.Store.Backend)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync max attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("backoff base must be positive and not exceed the cap")
	}
	return nil
}
