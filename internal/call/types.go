package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/petervdpas/ychat/internal/proto"
)

var (
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNotActive        = errors.New("no active call")
	ErrMediaUnavailable = errors.New("microphone unavailable")
	ErrCallEnded        = errors.New("call ended before it was set up")
	ErrClosed           = errors.New("call forwarder closed")
)

// Signaler is the only surface the call package needs from the realtime
// layer. *realtime.Session satisfies it.
type Signaler interface {
	Emit(event string, payload any) error
	Subscribe(ctx context.Context, event string) <-chan json.RawMessage
}

// State is the tagged call state: Idle, Offering or Active.
type State interface {
	isState()
	String() string
}

// Idle means no call: no peer connection and no local capture.
type Idle struct{}

// Offering means an offer is out (or an incoming call is being answered)
// and the ring timer is running.
type Offering struct {
	Since time.Time
}

// Active means the remote answer was applied.
type Active struct {
	Muted     bool
	SpeakerOn bool
}

func (Idle) isState()     {}
func (Offering) isState() {}
func (Active) isState()   {}

func (Idle) String() string     { return "idle" }
func (Offering) String() string { return "offering" }
func (Active) String() string   { return "active" }

// Status is a snapshot for display.
type Status struct {
	ChatID        string
	State         string
	Since         time.Time // when the current state was entered
	Muted         bool
	SpeakerOn     bool
	RemoteTracks  int
	RemotePackets uint64
	RemoteLost    uint64
}

// IncomingCall is a callRequest from another room member while idle.
type IncomingCall struct {
	ChatID string
	Offer  proto.SessionDescription

	f *Forwarder
}

// Accept answers the call: audio is captured, the answer is emitted and the
// forwarder becomes active.
func (ic *IncomingCall) Accept(ctx context.Context) error {
	return ic.f.accept(ctx, ic)
}

// Reject declines the call by emitting callEnd.
func (ic *IncomingCall) Reject() {
	ic.f.reject(ic)
}
