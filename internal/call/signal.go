package call

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/ychat/internal/proto"
)

var errBadPayload = errors.New("malformed signaling payload")

func toWebRTC(d proto.SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown || d.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: session description type %q", errBadPayload, d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

func fromWebRTC(d webrtc.SessionDescription) proto.SessionDescription {
	return proto.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func iceFromProto(c proto.ICECandidateInit) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func iceToProto(c webrtc.ICECandidateInit) proto.ICECandidateInit {
	return proto.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// decodeDescription reads an offer or answer. The relay forwards either the
// wrapped form {field: {type, sdp}, chatId} or the bare description.
func decodeDescription(raw json.RawMessage, field string) (proto.SessionDescription, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return proto.SessionDescription{}, "", fmt.Errorf("%w: %v", errBadPayload, err)
	}
	chatID := chatIDOf(fields)

	body := raw
	if inner, ok := fields[field]; ok {
		body = inner
	}
	var d proto.SessionDescription
	if err := json.Unmarshal(body, &d); err != nil {
		return proto.SessionDescription{}, chatID, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if d.SDP == "" {
		return proto.SessionDescription{}, chatID, fmt.Errorf("%w: empty sdp", errBadPayload)
	}
	return d, chatID, nil
}

// decodeICE reads a remote candidate, wrapped {candidate: {...}, chatId} or
// bare {candidate: "candidate:...", sdpMid, ...}.
func decodeICE(raw json.RawMessage) (proto.ICECandidateInit, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return proto.ICECandidateInit{}, "", fmt.Errorf("%w: %v", errBadPayload, err)
	}
	chatID := chatIDOf(fields)

	body := raw
	if inner := bytes.TrimSpace(fields["candidate"]); len(inner) > 0 && inner[0] == '{' {
		body = inner
	}
	var c proto.ICECandidateInit
	if err := json.Unmarshal(body, &c); err != nil {
		return proto.ICECandidateInit{}, chatID, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return c, chatID, nil
}

// decodeChatID reads only the chatId of a payload; null or a non-object
// yields "".
func decodeChatID(raw json.RawMessage) string {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return ""
	}
	return chatIDOf(fields)
}

func chatIDOf(fields map[string]json.RawMessage) string {
	var id string
	if v, ok := fields["chatId"]; ok {
		_ = json.Unmarshal(v, &id)
	}
	return id
}
