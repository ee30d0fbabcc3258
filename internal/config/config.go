package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/ychat/internal/util"
)

// FileName is the config file inside the data directory.
const FileName = "ychat.json"

type Config struct {
	Server  Server  `json:"server"`
	Chat    Chat    `json:"chat"`
	Call    Call    `json:"call"`
	Log     Log     `json:"log"`
	Metrics Metrics `json:"metrics"`
}

type Server struct {
	// Base URL of the backend; REST under /api and the event socket under
	// /socket.io share it.
	URL                 string `json:"url"`
	HTTPTimeoutSec      int    `json:"http_timeout_seconds"`
	HandshakeTimeoutSec int    `json:"handshake_timeout_seconds"`
}

type Chat struct {
	// Wait for the socket history before fetching it over HTTP.
	HistoryFallbackMs int `json:"history_fallback_ms"`
}

type Call struct {
	RingTimeoutSec int      `json:"ring_timeout_seconds"`
	ICEServers     []string `json:"ice_servers"`
}

type Log struct {
	Level      string            `json:"level"`
	Format     string            `json:"format"`     // color | nocolor | json
	Subsystems map[string]string `json:"subsystems"` // per-logger level overrides
	File       string            `json:"file"`       // empty = stderr
}

type Metrics struct {
	Addr string `json:"addr"` // empty = disabled
}

func Default() Config {
	return Config{
		Server: Server{
			URL:                 "http://localhost:3000",
			HTTPTimeoutSec:      10,
			HandshakeTimeoutSec: 10,
		},
		Chat: Chat{
			HistoryFallbackMs: 3000,
		},
		Call: Call{
			RingTimeoutSec: 30,
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
		},
		Log: Log{
			Level:  "info",
			Format: "color",
		},
	}
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Server
	if strings.TrimSpace(c.Server.URL) == "" {
		return errors.New("server.url is required")
	}
	if !util.IsHTTPURL(c.Server.URL) {
		return fmt.Errorf("server.url must be an http(s) URL, got %q", c.Server.URL)
	}
	if c.Server.HTTPTimeoutSec < 1 || c.Server.HTTPTimeoutSec > 300 {
		return errors.New("server.http_timeout_seconds must be 1..300")
	}
	if c.Server.HandshakeTimeoutSec < 1 || c.Server.HandshakeTimeoutSec > 300 {
		return errors.New("server.handshake_timeout_seconds must be 1..300")
	}

	// Chat
	if c.Chat.HistoryFallbackMs < 0 {
		return errors.New("chat.history_fallback_ms must be >= 0")
	}

	// Call
	if c.Call.RingTimeoutSec < 1 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 1..600")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q is not a stun/turn URL", s)
		}
	}

	// Log
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	for name, lvl := range c.Log.Subsystems {
		if !validLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: %q is not a valid level", name, lvl)
		}
	}
	switch c.Log.Format {
	case "", "color", "nocolor", "json":
	default:
		return fmt.Errorf("log.format must be color, nocolor or json, got %q", c.Log.Format)
	}

	return nil
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Server.HTTPTimeoutSec) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Server.HandshakeTimeoutSec) * time.Second
}

func (c *Config) HistoryFallback() time.Duration {
	return time.Duration(c.Chat.HistoryFallbackMs) * time.Millisecond
}

func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Server.URL = util.NormalizeURL(cfg.Server.URL)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
