package app

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/ychat/internal/config"
	"github.com/petervdpas/ychat/internal/util"
)

// Subsystems are the loggers this client defines.
var Subsystems = []string{"realtime", "chat", "call", "api", "storage", "app", "config", "console"}

// SetupLogging configures go-log from the log section of the config. A
// relative log file is placed under dir.
func SetupLogging(dir string, c config.Log) error {
	lc := logging.GetConfig()

	lvl, err := logging.LevelFromString(strings.ToLower(c.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	lc.Level = lvl

	switch c.Format {
	case "json":
		lc.Format = logging.JSONOutput
	case "nocolor":
		lc.Format = logging.PlaintextOutput
	default:
		lc.Format = logging.ColorizedOutput
	}

	if c.File != "" {
		lc.File = util.ResolvePath(dir, c.File)
		lc.Stderr = false
	}

	lc.SubsystemLevels = map[string]logging.LogLevel{}
	for name, l := range c.Subsystems {
		sl, err := logging.LevelFromString(strings.ToLower(l))
		if err != nil {
			return fmt.Errorf("log level for %s: %w", name, err)
		}
		lc.SubsystemLevels[name] = sl
	}

	logging.SetupLogging(lc)
	return nil
}

// ApplyLogLevels re-applies levels after a config reload. Format and file
// changes need a restart.
func ApplyLogLevels(c config.Log) {
	for _, name := range Subsystems {
		if err := logging.SetLogLevel(name, c.Level); err != nil {
			log.Debugf("set level %s: %v", name, err)
		}
	}
	for name, l := range c.Subsystems {
		if err := logging.SetLogLevel(name, l); err != nil {
			log.Warnf("set level %s=%s: %v", name, l, err)
		}
	}
}
