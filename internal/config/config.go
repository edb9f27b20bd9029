// Package config loads server configuration from environment variables,
// with an optional HJSON/JSON file as a lower-precedence overlay. Ported
// from the teacher's cmd/server/main.go Config struct and getEnv/getEnvInt
// helpers; the file overlay is grounded on wingedpig-trellis's
// internal/config.Loader.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hjson/hjson-go/v4"
)

// Config holds all server configuration.
type Config struct {
	// Host is the address the HTTP server listens on.
	Host string

	// Storage is the directory documents persist under (as collabpad.db).
	// Empty disables persistence (documents live in memory only).
	Storage string

	// OpenIDConfig is the path to an OpenID Connect discovery document.
	// Empty disables authentication entirely (NoneProvider).
	OpenIDConfig string

	MaxDocumentSize     int // max operation target length, in code points (MAX_DOCUMENT_SIZE_KB * 1024)
	BroadcastBufferSize int

	PersistInterval       time.Duration
	PersistIntervalJitter time.Duration
	IdleEvictionCheck     time.Duration

	LogLevel string
}

// Defaults returns the configuration the teacher ships out of the box.
func Defaults() Config {
	return Config{
		Host:                  "0.0.0.0:3030",
		Storage:               "storage",
		MaxDocumentSize:       256 * 1024,
		BroadcastBufferSize:   16,
		PersistInterval:       10 * time.Second,
		PersistIntervalJitter: 6 * time.Second,
		IdleEvictionCheck:     60 * time.Second,
		LogLevel:              "info",
	}
}

// fileOverlay is the subset of Config a CONFIG file may override, parsed
// with JSON field names so both HJSON and plain JSON files work.
type fileOverlay struct {
	Host                     *string `json:"host"`
	Storage                  *string `json:"storage"`
	OpenIDConfig             *string `json:"openid_config"`
	MaxDocumentSizeKB        *int    `json:"max_document_size_kb"`
	BroadcastBufferSize      *int    `json:"broadcast_buffer_size"`
	PersistIntervalSec       *int    `json:"persist_interval_sec"`
	PersistIntervalJitterSec *int    `json:"persist_interval_jitter_sec"`
	IdleEvictionCheckSec     *int    `json:"idle_eviction_check_sec"`
	LogLevel                 *string `json:"log_level"`
}

// Load builds a Config starting from Defaults, applying the file named by
// the CONFIG environment variable (if set) as an overlay, then applying
// every other recognized environment variable on top. Env vars always win
// over the file, matching the precedence a reader would expect from
// seeing both mechanisms in the same binary.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG"); path != "" {
		overlay, err := loadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
		applyOverlay(&cfg, overlay)
	}

	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.Storage = getEnv("STORAGE", cfg.Storage)
	cfg.OpenIDConfig = getEnv("OPENID_CONFIG", cfg.OpenIDConfig)
	cfg.MaxDocumentSize = getEnvInt("MAX_DOCUMENT_SIZE_KB", cfg.MaxDocumentSize/1024) * 1024
	cfg.BroadcastBufferSize = getEnvInt("BROADCAST_BUFFER_SIZE", cfg.BroadcastBufferSize)
	cfg.PersistInterval = time.Duration(getEnvInt("PERSIST_INTERVAL_SEC", int(cfg.PersistInterval/time.Second))) * time.Second
	cfg.PersistIntervalJitter = time.Duration(getEnvInt("PERSIST_INTERVAL_JITTER_SEC", int(cfg.PersistIntervalJitter/time.Second))) * time.Second
	cfg.IdleEvictionCheck = time.Duration(getEnvInt("IDLE_EVICTION_CHECK_SEC", int(cfg.IdleEvictionCheck/time.Second))) * time.Second
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

// loadFile reads and parses an HJSON or JSON config file into a fileOverlay.
func loadFile(path string) (fileOverlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileOverlay{}, fmt.Errorf("read: %w", err)
	}

	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return fileOverlay{}, fmt.Errorf("parse hjson: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fileOverlay{}, fmt.Errorf("convert to json: %w", err)
	}

	var overlay fileOverlay
	if err := json.Unmarshal(jsonData, &overlay); err != nil {
		return fileOverlay{}, fmt.Errorf("unmarshal: %w", err)
	}
	return overlay, nil
}

func applyOverlay(cfg *Config, o fileOverlay) {
	if o.Host != nil {
		cfg.Host = *o.Host
	}
	if o.Storage != nil {
		cfg.Storage = *o.Storage
	}
	if o.OpenIDConfig != nil {
		cfg.OpenIDConfig = *o.OpenIDConfig
	}
	if o.MaxDocumentSizeKB != nil {
		cfg.MaxDocumentSize = *o.MaxDocumentSizeKB * 1024
	}
	if o.BroadcastBufferSize != nil {
		cfg.BroadcastBufferSize = *o.BroadcastBufferSize
	}
	if o.PersistIntervalSec != nil {
		cfg.PersistInterval = time.Duration(*o.PersistIntervalSec) * time.Second
	}
	if o.PersistIntervalJitterSec != nil {
		cfg.PersistIntervalJitter = time.Duration(*o.PersistIntervalJitterSec) * time.Second
	}
	if o.IdleEvictionCheckSec != nil {
		cfg.IdleEvictionCheck = time.Duration(*o.IdleEvictionCheckSec) * time.Second
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
