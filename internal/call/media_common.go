package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// LocalTrack is one captured local track.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(on bool)
	Stop()
}

// RemoteStream is an incoming remote track.
type RemoteStream interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Packets() uint64
	Lost() uint64
}

// MediaSource captures an audio-only local stream.
type MediaSource interface {
	Acquire(ctx context.Context) (*LocalStream, error)
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeer() (PeerConn, error)
}

// PeerConn is the slice of a WebRTC peer connection the forwarder drives.
type PeerConn interface {
	AddTrack(t LocalTrack) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteStream))
	Close() error
}

// LocalStream groups the tracks of one capture. Stop runs at most once.
type LocalStream struct {
	tracks []LocalTrack

	mu      sync.Mutex
	stopped bool
}

func NewLocalStream(tracks ...LocalTrack) *LocalStream {
	return &LocalStream{tracks: tracks}
}

// AudioTracks returns the audio tracks.
func (s *LocalStream) AudioTracks() []LocalTrack {
	var out []LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			out = append(out, t)
		}
	}
	return out
}

// SetAudioEnabled sets every audio track to the same enabled flag.
func (s *LocalStream) SetAudioEnabled(on bool) {
	for _, t := range s.AudioTracks() {
		t.SetEnabled(on)
	}
}

// Stop disables and ends every track.
func (s *LocalStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	for _, t := range s.tracks {
		t.SetEnabled(false)
		t.Stop()
	}
}

func (s *LocalStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
