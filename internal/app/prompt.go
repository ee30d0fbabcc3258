package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/ychat/internal/config"
	"github.com/petervdpas/ychat/internal/util"
)

// PromptInteractive walks through the settings most people change and
// returns the edited config. Invalid answers fall back to the input config.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "ychat interactive setup")
	fmt.Fprintf(w, " Data folder : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	orig := cfg
	cfg.Server.URL = util.NormalizeURL(askString(in, w, "Server URL", cfg.Server.URL))
	cfg.Server.HTTPTimeoutSec = askInt(in, w, "HTTP timeout seconds", cfg.Server.HTTPTimeoutSec)
	cfg.Chat.HistoryFallbackMs = askInt(in, w, "History fallback ms", cfg.Chat.HistoryFallbackMs)
	cfg.Call.RingTimeoutSec = askInt(in, w, "Ring timeout seconds", cfg.Call.RingTimeoutSec)
	cfg.Log.Level = askString(in, w, "Log level", cfg.Log.Level)

	if askBool(in, w, "Serve metrics", cfg.Metrics.Addr != "") {
		def := cfg.Metrics.Addr
		if def == "" {
			def = "127.0.0.1:9100"
		}
		cfg.Metrics.Addr = askString(in, w, "Metrics addr", def)
	} else {
		cfg.Metrics.Addr = ""
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, convErr := strconv.Atoi(s); convErr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
