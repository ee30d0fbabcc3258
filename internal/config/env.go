package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/petervdpas/ychat/internal/util"
)

// Environment overrides, applied on top of the file.
const (
	EnvServerURL   = "YCHAT_SERVER_URL"
	EnvLogLevel    = "YCHAT_LOG_LEVEL"
	EnvMetricsAddr = "YCHAT_METRICS_ADDR"
)

// LoadDotEnv loads dir/.env into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the YCHAT_* variables on cfg and validates the result.
func ApplyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvServerURL)); v != "" {
		cfg.Server.URL = util.NormalizeURL(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		cfg.Metrics.Addr = strings.TrimSpace(v)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}
