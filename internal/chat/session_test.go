package chat

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/ychat/internal/api"
	"github.com/petervdpas/ychat/internal/api/apitest"
	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/realtime"
	"github.com/petervdpas/ychat/internal/realtime/rttest"
)

// Runs the room protocol against the fake event server and the fake REST
// backend over real connections.
func TestRoomOverRealtimeSession(t *testing.T) {
	srv := rttest.NewServer()
	defer srv.Close()
	backend := apitest.NewBackend()
	defer backend.Close()

	history := []proto.Message{{ID: "m1", Text: "hi", Sender: "u2", ChatID: "abc123", Timestamp: 1}}
	srv.Handle(proto.EventGetMessages, func(ev rttest.Event) {
		_ = ev.Conn.Emit(proto.EventGetMessages, history)
	})
	srv.Handle(proto.EventMessage, func(ev rttest.Event) {
		var m proto.Message
		if ev.Decode(&m) == nil {
			_ = ev.Conn.Emit(proto.EventMessage, m)
		}
	})

	sess := realtime.Connect(context.Background(), srv.URL())
	require.Equal(t, realtime.StateConnected, sess.State())
	defer sess.Disconnect()

	mock := clock.NewMock()
	mgr := New(sess, api.New(backend.URL(), time.Second), staticUser(alice), Options{Clock: mock})
	room, err := mgr.Join(context.Background(), "abc123")
	require.NoError(t, err)
	defer room.Leave()

	join := srv.Expect(t, proto.EventJoinChat)
	assert.JSONEq(t, `{"chatId":"abc123","userId":"u1"}`, string(join.Data))
	srv.Expect(t, proto.EventGetMessages)

	require.Eventually(t, room.Loaded, eventually, tick)
	assert.Equal(t, history, room.Messages())

	sent, err := room.Send("hello")
	require.NoError(t, err)
	srv.Expect(t, proto.EventMessage)
	require.Eventually(t, func() bool { return len(room.Messages()) == 2 }, eventually, tick)
	assert.Equal(t, sent, room.Messages()[1])

	mock.Add(DefaultFallbackDelay)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, backend.Requests("GET /api/messages"))
}

func TestRoomFallsBackWhenSocketIsDown(t *testing.T) {
	srv := rttest.NewServer()
	addr := srv.URL()
	srv.Close()
	backend := apitest.NewBackend()
	defer backend.Close()
	backend.AddMessages("abc123", proto.Message{ID: "m1", Text: "from http", Sender: "u2", ChatID: "abc123"})

	sess := realtime.Connect(context.Background(), addr, realtime.WithHandshakeTimeout(time.Second))
	require.Equal(t, realtime.StateDisconnected, sess.State())

	mock := clock.NewMock()
	mgr := New(sess, api.New(backend.URL(), time.Second), staticUser(alice), Options{Clock: mock})
	room, err := mgr.Join(context.Background(), "abc123")
	require.NoError(t, err)
	defer room.Leave()

	mock.Add(DefaultFallbackDelay)
	require.Eventually(t, room.Loaded, eventually, tick)
	assert.Equal(t, "from http", room.Messages()[0].Text)
	assert.Equal(t, 1, backend.Requests("GET /api/messages"))
}
