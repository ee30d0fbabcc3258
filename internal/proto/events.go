package proto

// ── Event names ───────────────────────────────────────────────────────────────
// Single source of truth for the event strings exchanged with the backend.
const (
	// Room protocol.
	EventJoinChat    = "joinChat"    // client → server
	EventGetMessages = "getMessages" // client → server request, server → client history
	EventMessage     = "message"     // both ways

	// Call signaling, relayed by the backend to the other room members.
	EventCallRequest  = "callRequest"
	EventCallAnswer   = "callAnswer"
	EventICECandidate = "iceCandidate"
	EventCallEnd      = "callEnd"
)

// ── Room payloads ─────────────────────────────────────────────────────────────

type JoinChatPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type GetMessagesPayload struct {
	ChatID string `json:"chatId"`
}

// ── Call payloads ─────────────────────────────────────────────────────────────
//
//   caller                          callee
//   ──────────────────────────────────────────────────────────────
//   callRequest {offer}  ──────────► (incoming call)
//                        ◄────────── callAnswer {answer}
//   iceCandidate ◄─────────────────► iceCandidate  (trickle, both ways)
//   callEnd      ──────────────────► (either side, any time)

// SessionDescription is the RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CallRequestPayload struct {
	Offer  SessionDescription `json:"offer"`
	ChatID string             `json:"chatId"`
}

type CallAnswerPayload struct {
	Answer SessionDescription `json:"answer"`
	ChatID string             `json:"chatId"`
}

type ICECandidatePayload struct {
	Candidate ICECandidateInit `json:"candidate"`
	ChatID    string           `json:"chatId"`
}

type CallEndPayload struct {
	ChatID string `json:"chatId"`
}
