package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	frame, err := encodeEvent("getMessages", map[string]string{"chatId": "abc123"})
	require.NoError(t, err)
	assert.Equal(t, `42["getMessages",{"chatId":"abc123"}]`, string(frame))

	frame, err = encodeEvent("callEnd", nil)
	require.NoError(t, err)
	assert.Equal(t, `42["callEnd",null]`, string(frame))

	_, err = encodeEvent("", nil)
	assert.Error(t, err)

	_, err = encodeEvent("bad", func() {})
	assert.Error(t, err)
}

func TestDecodePacket(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		kind  packetKind
		event string
		data  string
	}{
		{"open", `0{"sid":"a","pingInterval":25000,"pingTimeout":20000}`, kindOpen, "", `{"sid":"a","pingInterval":25000,"pingTimeout":20000}`},
		{"close", "1", kindClose, "", ""},
		{"ping", "2", kindPing, "", ""},
		{"pong", "3", kindIgnore, "", ""},
		{"noop", "6", kindIgnore, "", ""},
		{"connect", `40{"sid":"b"}`, kindConnect, "", `{"sid":"b"}`},
		{"connect error", `44{"message":"nope"}`, kindConnectError, "", `{"message":"nope"}`},
		{"disconnect", "41", kindDisconnect, "", ""},
		{"event", `42["message",{"id":"m1"}]`, kindEvent, "message", `{"id":"m1"}`},
		{"event extra args", `42["message",1,2]`, kindEvent, "message", `1`},
		{"event no args", `42["callEnd"]`, kindEvent, "callEnd", `null`},
		{"event with ack id", `4217["message","x"]`, kindEvent, "message", `"x"`},
		{"event with namespace", `42/chat,["message","x"]`, kindEvent, "message", `"x"`},
		{"ack", `431[]`, kindIgnore, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := decodePacket([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.kind)
			assert.Equal(t, tt.event, p.event)
			if tt.data != "" {
				assert.Equal(t, tt.data, string(p.data))
			}
		})
	}
}

func TestDecodePacketRejectsGarbage(t *testing.T) {
	for _, frame := range []string{"", "9", "4", "49", `42not-json`, `42[]`, `42[1,2]`} {
		_, err := decodePacket([]byte(frame))
		assert.Error(t, err, "frame %q", frame)
	}
}

func TestOpenInfoReadTimeout(t *testing.T) {
	var info openInfo
	require.NoError(t, json.Unmarshal([]byte(`{"sid":"x","pingInterval":25000,"pingTimeout":20000}`), &info))
	assert.Equal(t, "45s", info.readTimeout().String())
}

func TestConnectErrorMessage(t *testing.T) {
	assert.Equal(t, "nope", connectErrorMessage(json.RawMessage(`{"message":"nope"}`)))
	assert.Equal(t, `"raw"`, connectErrorMessage(json.RawMessage(`"raw"`)))
}
