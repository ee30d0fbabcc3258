package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Engine.IO v4 packet types (first byte of every frame).
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

// Socket.IO v5 packet types (second byte of an engine message).
const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketAck          = '3'
	socketConnectError = '4'
	socketBinaryEvent  = '5'
	socketBinaryAck    = '6'
)

var (
	framePong       = []byte{enginePong}
	frameConnect    = []byte{engineMessage, socketConnect}
	frameDisconnect = []byte{engineMessage, socketDisconnect}
)

var errMalformed = errors.New("malformed packet")

type packetKind int

const (
	kindIgnore packetKind = iota
	kindOpen
	kindClose
	kindPing
	kindConnect
	kindConnectError
	kindDisconnect
	kindEvent
)

// packet is one decoded text frame.
type packet struct {
	kind  packetKind
	event string
	data  json.RawMessage // first event argument, or the connect/open body
}

// openInfo is the body of the Engine.IO open packet.
type openInfo struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"` // ms
	PingTimeout  int    `json:"pingTimeout"`  // ms
	MaxPayload   int    `json:"maxPayload"`
}

func (o openInfo) readTimeout() time.Duration {
	return time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
}

// encodeEvent builds a `42["event",payload]` frame.
func encodeEvent(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("empty event name")
	}
	var arg json.RawMessage
	switch v := payload.(type) {
	case nil:
		arg = json.RawMessage("null")
	case json.RawMessage:
		arg = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		arg = b
	}
	body, err := json.Marshal([]json.RawMessage{mustString(event), arg})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, engineMessage, socketEvent)
	return append(out, body...), nil
}

func mustString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// decodePacket parses one text frame. Frames that carry nothing the session
// acts on (pong, noop, upgrade, acks) decode to kindIgnore.
func decodePacket(frame []byte) (packet, error) {
	if len(frame) == 0 {
		return packet{}, errMalformed
	}
	switch frame[0] {
	case engineOpen:
		return packet{kind: kindOpen, data: json.RawMessage(frame[1:])}, nil
	case engineClose:
		return packet{kind: kindClose}, nil
	case enginePing:
		return packet{kind: kindPing}, nil
	case enginePong, engineNoop, engineUpgrade:
		return packet{kind: kindIgnore}, nil
	case engineMessage:
		return decodeSocket(frame[1:])
	}
	return packet{}, fmt.Errorf("%w: engine type %q", errMalformed, frame[0])
}

func decodeSocket(b []byte) (packet, error) {
	if len(b) == 0 {
		return packet{}, errMalformed
	}
	typ := b[0]
	rest := skipNamespace(b[1:])
	switch typ {
	case socketConnect:
		return packet{kind: kindConnect, data: json.RawMessage(rest)}, nil
	case socketConnectError:
		return packet{kind: kindConnectError, data: json.RawMessage(rest)}, nil
	case socketDisconnect:
		return packet{kind: kindDisconnect}, nil
	case socketEvent:
		return decodeEvent(skipAckID(rest))
	case socketAck, socketBinaryEvent, socketBinaryAck:
		return packet{kind: kindIgnore}, nil
	}
	return packet{}, fmt.Errorf("%w: socket type %q", errMalformed, typ)
}

// skipNamespace drops a leading "/nsp," prefix. Only the default namespace is
// used, so the name itself is not checked.
func skipNamespace(b []byte) []byte {
	if len(b) > 0 && b[0] == '/' {
		if i := bytes.IndexByte(b, ','); i >= 0 {
			return b[i+1:]
		}
		return nil
	}
	return b
}

func skipAckID(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return b[i:]
}

func decodeEvent(b []byte) (packet, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(b, &args); err != nil {
		return packet{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(args) == 0 {
		return packet{}, fmt.Errorf("%w: event without name", errMalformed)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return packet{}, fmt.Errorf("%w: event name", errMalformed)
	}
	p := packet{kind: kindEvent, event: name, data: json.RawMessage("null")}
	if len(args) > 1 {
		p.data = args[1]
	}
	return p, nil
}

// connectErrorMessage extracts the message of a `44{"message":..}` packet.
func connectErrorMessage(data json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return body.Message
	}
	return string(data)
}
