package app

import (
	"fmt"
	"io"
	"strings"
)

// NormalizeLocalAddr keeps a listen address on localhost unless a host is
// given explicitly: ":9100" and "0.0.0.0:9100" become "127.0.0.1:9100".
func NormalizeLocalAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

func logBanner(w io.Writer, dir, cfgPath, server string) {
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "ychat client")
	fmt.Fprintf(w, " Data folder : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintf(w, " Server      : %s\n", server)
	fmt.Fprintln(w, "────────────────────────────────────────")
}
