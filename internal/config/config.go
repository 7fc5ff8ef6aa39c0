// Package config loads host configuration for chartdiag from a YAML file,
// an optional .env file and CHARTGPU_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/chartgpu"
	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/compat"
)

// ErrRead is returned when the config file cannot be read or parsed.
var ErrRead = errors.New("config: read")

// Config is the chartdiag configuration.
type Config struct {
	Renderer chartgpu.Config `yaml:"renderer"`

	// Listen is the address the serve command binds.
	Listen string `yaml:"listen"`

	// LogFile, when set, receives a rotated copy of the log.
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogLevel      string `yaml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Renderer:      chartgpu.DefaultConfig(),
		Listen:        "127.0.0.1:8089",
		LogMaxSizeMB:  20,
		LogMaxBackups: 3,
		LogLevel:      "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (if any) and
// the environment. An empty path falls back to CHARTGPU_CONFIG. Environment
// variables win over the file.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("CHARTGPU_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrRead, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%w %s: %w", ErrRead, path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Renderer.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	r := &cfg.Renderer
	r.Width = getEnvIntOrDefault("CHARTGPU_WIDTH", r.Width)
	r.Height = getEnvIntOrDefault("CHARTGPU_HEIGHT", r.Height)
	r.MemoryBudget = getEnvUintOrDefault("CHARTGPU_MEMORY_BUDGET", r.MemoryBudget)
	r.AllowFallback = getEnvBoolOrDefault("CHARTGPU_ALLOW_FALLBACK", r.AllowFallback)
	r.FrameBudget = getEnvDurationOrDefault("CHARTGPU_FRAME_BUDGET", r.FrameBudget)
	r.Workers = getEnvIntOrDefault("CHARTGPU_WORKERS", r.Workers)
	r.Debug.ForceBackend = getEnvOrDefault("CHARTGPU_FORCE_BACKEND", r.Debug.ForceBackend)
	r.Debug.SkipCompat = getEnvBoolOrDefault("CHARTGPU_SKIP_COMPAT", r.Debug.SkipCompat)
	r.Debug.LogFrames = getEnvBoolOrDefault("CHARTGPU_LOG_FRAMES", r.Debug.LogFrames)

	if v := os.Getenv("CHARTGPU_BACKENDS"); v != "" {
		r.Backends = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				r.Backends = append(r.Backends, name)
			}
		}
	}
	if v := os.Getenv("CHARTGPU_QUALITY"); v != "" {
		q, err := backend.ParseQuality(v)
		if err != nil {
			return fmt.Errorf("CHARTGPU_QUALITY: %w", err)
		}
		r.Quality = q
	}
	if v := os.Getenv("CHARTGPU_MIN_COMPAT_LEVEL"); v != "" {
		l, err := compat.ParseLevel(strings.ToUpper(v))
		if err != nil {
			return fmt.Errorf("CHARTGPU_MIN_COMPAT_LEVEL: %w", err)
		}
		r.MinCompatLevel = l
	}

	cfg.Listen = getEnvOrDefault("CHARTGPU_LISTEN", cfg.Listen)
	cfg.LogFile = getEnvOrDefault("CHARTGPU_LOG_FILE", cfg.LogFile)
	cfg.LogLevel = getEnvOrDefault("CHARTGPU_LOG_LEVEL", cfg.LogLevel)
	return nil
}

// Level parses LogLevel, defaulting to info.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvUintOrDefault(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseUint(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
