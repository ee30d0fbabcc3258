package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/ychat/internal/config"
	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/storage"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunReturnsWithFrontend(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Metrics.Addr = freeAddr(t)
	path := dir + "/" + config.FileName
	require.NoError(t, config.Save(path, cfg))

	var banner bytes.Buffer
	var metricsBody string
	err := Run(context.Background(), Options{
		Dir:     dir,
		CfgPath: path,
		Cfg:     cfg,
		Deps:    Deps{Peers: noPeers{}, Media: noMedia{}},
		Banner:  &banner,
		Frontend: func(ctx context.Context, c *Client) error {
			// Runs off the test goroutine: report, don't assert.
			deadline := time.Now().Add(eventually)
			for {
				resp, err := http.Get("http://" + cfg.Metrics.Addr + "/metrics")
				if err == nil {
					body, _ := io.ReadAll(resp.Body)
					resp.Body.Close()
					metricsBody = string(body)
					return nil
				}
				if time.Now().After(deadline) {
					return err
				}
				time.Sleep(20 * time.Millisecond)
			}
		},
	})
	require.NoError(t, err)
	assert.Contains(t, metricsBody, "ychat_")
	assert.Contains(t, banner.String(), dir)
}

func TestRunPropagatesFrontendError(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	err := Run(context.Background(), Options{
		Dir:      dir,
		Cfg:      config.Default(),
		Deps:     Deps{Peers: noPeers{}, Media: noMedia{}},
		Banner:   io.Discard,
		Frontend: func(context.Context, *Client) error { return boom },
	})
	assert.ErrorIs(t, err, boom)
}

func TestRunRestoresUser(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(dir)
	require.NoError(t, err)
	require.NoError(t, db.SaveUser(proto.User{ID: "u1", Username: "alice"}))
	require.NoError(t, db.Close())

	var got string
	require.NoError(t, Run(context.Background(), Options{
		Dir:    dir,
		Cfg:    config.Default(),
		Deps:   Deps{Peers: noPeers{}, Media: noMedia{}},
		Banner: io.Discard,
		Frontend: func(_ context.Context, c *Client) error {
			got = c.Store().CurrentUser().Username
			return nil
		},
	}))
	assert.Equal(t, "alice", got)
}

func TestNormalizeLocalAddr(t *testing.T) {
	for in, want := range map[string]string{
		":9100":         "127.0.0.1:9100",
		"0.0.0.0:9100":  "127.0.0.1:9100",
		"10.0.0.5:9100": "10.0.0.5:9100",
	} {
		assert.Equal(t, want, NormalizeLocalAddr(in), in)
	}
}

func TestPromptInteractive(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		"chat.example:3000", // server
		"",                  // http timeout
		"abc",               // not a number
		"1500",              // fallback
		"",                  // ring timeout
		"debug",             // log level
		"y",                 // metrics
		"",                  // metrics addr default
	}, "\n") + "\n")
	var out bytes.Buffer

	cfg := PromptInteractive(in, &out, "/data", "/data/ychat.json", config.Default())
	assert.Equal(t, "http://chat.example:3000", cfg.Server.URL)
	assert.Equal(t, 1500, cfg.Chat.HistoryFallbackMs)
	assert.Equal(t, 30, cfg.Call.RingTimeoutSec)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	assert.Contains(t, out.String(), "Please enter a number.")
}

func TestPromptInteractiveKeepsPreviousOnInvalid(t *testing.T) {
	in := strings.NewReader(fmt.Sprintf("%s\n\n\n\nloud\nn\n", "http://x"))
	prev := config.Default()
	cfg := PromptInteractive(in, io.Discard, "/d", "/d/c.json", prev)
	assert.Equal(t, prev, cfg)
}
