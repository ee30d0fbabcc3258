package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/ychat/internal/api/apitest"
	"github.com/petervdpas/ychat/internal/app"
	"github.com/petervdpas/ychat/internal/call"
	"github.com/petervdpas/ychat/internal/config"
	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/realtime/rttest"
	"github.com/petervdpas/ychat/internal/storage"
)

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)

// lockedBuffer is written by the console's goroutines and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type noMedia struct{}

func (noMedia) Acquire(context.Context) (*call.LocalStream, error) {
	return nil, errors.New("no microphone in tests")
}

type noPeers struct{}

func (noPeers) NewPeer() (call.PeerConn, error) { return nil, errors.New("no peers in tests") }

type fixture struct {
	backend *apitest.Backend
	events  *rttest.Server
	client  *app.Client
	out     *lockedBuffer
	con     *Console
}

func newFixture(t *testing.T, input string) *fixture {
	t.Helper()
	backend := apitest.NewBackend()
	t.Cleanup(backend.Close)
	events := rttest.NewServer(rttest.WithHandler("/api/", backend.Handler()))
	t.Cleanup(events.Close)

	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Server.URL = events.URL()
	client := app.NewClient(cfg, db, app.Deps{Peers: noPeers{}, Media: noMedia{}, Clock: clock.NewMock()})

	out := &lockedBuffer{}
	con := New(strings.NewReader(input), out)
	con.client = client
	t.Cleanup(con.closeChat)
	return &fixture{backend: backend, events: events, client: client, out: out, con: con}
}

func (f *fixture) exec(t *testing.T, line string) {
	t.Helper()
	_, err := f.con.Exec(context.Background(), line)
	require.NoError(t, err, line)
}

func (f *fixture) waitOutput(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(f.out.String(), want) }, eventually, tick,
		"output lacks %q:\n%s", want, f.out.String())
}

// waitEvent skips client events until one named name arrives.
func (f *fixture) waitEvent(t *testing.T, name string) rttest.Event {
	t.Helper()
	deadline := time.After(eventually)
	for {
		select {
		case ev := <-f.events.Events():
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", name)
		}
	}
}

func TestLobbyCommands(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.con.Exec(context.Background(), "chats")
	assert.ErrorIs(t, err, app.ErrNotSignedIn)

	f.exec(t, "signin alice")
	f.waitOutput(t, "signed in as alice")
	f.exec(t, "whoami")

	f.exec(t, "chats")
	f.waitOutput(t, "no chats")

	f.exec(t, "new")
	f.exec(t, "vip lounge")
	f.waitOutput(t, "created VIP chat lounge")
	f.exec(t, "name lounge Friends")

	f.exec(t, "chats")
	f.waitOutput(t, `lounge  "Friends"  [vip]`)

	f.exec(t, "theme")
	f.waitOutput(t, "theme: dark")

	_, err = f.con.Exec(context.Background(), "dance")
	assert.ErrorContains(t, err, "unknown command")

	quit, err := f.con.Exec(context.Background(), "quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestEnterUnknownChat(t *testing.T) {
	f := newFixture(t, "")
	f.exec(t, "signin alice")
	_, err := f.con.Exec(context.Background(), "enter nope42")
	assert.ErrorIs(t, err, app.ErrChatNotFound)
	assert.Nil(t, f.con.cc)
}

func TestRoomSession(t *testing.T) {
	f := newFixture(t, "")
	f.backend.AddChat(proto.Chat{ChatID: "abc123", UserID: "u9"})
	f.events.Handle(proto.EventGetMessages, func(ev rttest.Event) {
		_ = ev.Conn.Emit(proto.EventGetMessages, []proto.Message{{ID: "m1", Text: "welcome", Sender: "u9", ChatID: "abc123"}})
	})
	f.events.Handle(proto.EventMessage, func(ev rttest.Event) {
		var m proto.Message
		if ev.Decode(&m) == nil {
			_ = ev.Conn.Emit(proto.EventMessage, m)
		}
	})

	f.exec(t, "signin alice")
	f.exec(t, "enter abc123")
	require.NotNil(t, f.con.cc)
	f.waitOutput(t, "── abc123 (connected)")
	f.waitOutput(t, "u9: welcome")

	f.exec(t, "hello there")
	f.waitOutput(t, "you: hello there")

	f.exec(t, "/status")
	f.waitOutput(t, "no call")

	_, err := f.con.Exec(context.Background(), "/call")
	assert.ErrorIs(t, err, call.ErrMediaUnavailable)
	_, err = f.con.Exec(context.Background(), "/accept")
	assert.ErrorIs(t, err, call.ErrCallEnded)
	_, err = f.con.Exec(context.Background(), "/mute")
	assert.ErrorIs(t, err, call.ErrNotActive)

	// A message from someone else leaves a notice.
	conn := f.events.WaitConn(t)
	require.NoError(t, conn.Emit(proto.EventMessage, proto.Message{ID: "m3", Text: "psst", Sender: "u9", ChatID: "abc123"}))
	f.waitOutput(t, "u9: psst")
	require.Eventually(t, func() bool { return f.con.notices.Len() > 0 }, eventually, tick)
	f.exec(t, "/notices")
	f.waitOutput(t, "new message in abc123")

	// Incoming calls are announced.
	require.NoError(t, conn.Emit(proto.EventCallRequest, proto.CallRequestPayload{
		Offer:  proto.SessionDescription{Type: "offer", SDP: "v=0"},
		ChatID: "abc123",
	}))
	f.waitOutput(t, "incoming call in abc123")
	f.exec(t, "/reject")
	f.waitEvent(t, proto.EventCallEnd)

	f.exec(t, "/leave")
	assert.Nil(t, f.con.cc)
	require.Eventually(t, conn.ClientDisconnected, eventually, tick)
}

func TestRunScript(t *testing.T) {
	f := newFixture(t, "signin bob\nnew\nbogus\nquit\nchats\n")
	require.NoError(t, f.con.Run(context.Background(), f.client))

	out := f.out.String()
	assert.Contains(t, out, "not signed in")
	assert.Contains(t, out, "signed in as bob")
	assert.Contains(t, out, "created chat-")
	assert.Contains(t, out, `error: unknown command "bogus"`)
	assert.NotContains(t, out, "no chats", "nothing runs after quit")
}

func TestRunStopsOnContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	f := newFixture(t, "")
	f.con.in = r

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.con.Run(ctx, f.client) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("Run did not return")
	}
}
