package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)

type emitted struct {
	event string
	data  json.RawMessage
}

type fakeSignaler struct {
	mu      sync.Mutex
	events  []emitted
	subs    map[string][]chan json.RawMessage
	emitErr error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{subs: map[string][]chan json.RawMessage{}}
}

func (s *fakeSignaler) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitErr != nil {
		return s.emitErr
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.events = append(s.events, emitted{event, data})
	return nil
}

func (s *fakeSignaler) Subscribe(ctx context.Context, event string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 16)
	s.mu.Lock()
	s.subs[event] = append(s.subs[event], ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[event]
		for i, c := range subs {
			if c == ch {
				s.subs[event] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

// push delivers payload to every subscriber of event, the way the relay would.
func (s *fakeSignaler) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[event] {
		ch <- data
	}
}

func (s *fakeSignaler) subscribers(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[event])
}

func (s *fakeSignaler) emittedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, e := range s.events {
		names = append(names, e.event)
	}
	return names
}

func (s *fakeSignaler) count(event string) int {
	n := 0
	for _, name := range s.emittedNames() {
		if name == event {
			n++
		}
	}
	return n
}

// last waits for event to have been emitted and returns its latest payload.
func (s *fakeSignaler) last(t *testing.T, event string) json.RawMessage {
	t.Helper()
	var data json.RawMessage
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := len(s.events) - 1; i >= 0; i-- {
			if s.events[i].event == event {
				data = s.events[i].data
				return true
			}
		}
		return false
	}, eventually, tick, "no %s emitted", event)
	return data
}

// ── Media ─────────────────────────────────────────────────────────────────────

type fakeTrack struct {
	id string

	mu      sync.Mutex
	enabled bool
	stops   int
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	tracks  []*fakeTrack
	block   chan struct{} // Acquire waits on it when set
	entered int
}

func (m *fakeMedia) Acquire(ctx context.Context) (*LocalStream, error) {
	m.mu.Lock()
	m.entered++
	block := m.block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	tr := &fakeTrack{id: "mic", enabled: true}
	m.tracks = append(m.tracks, tr)
	return NewLocalStream(tr), nil
}

func (m *fakeMedia) acquiring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entered > 0
}

func (m *fakeMedia) track(t *testing.T) *fakeTrack {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.tracks)
	return m.tracks[len(m.tracks)-1]
}

// ── Peers ─────────────────────────────────────────────────────────────────────

type fakePeer struct {
	mu        sync.Mutex
	tracks    []LocalTrack
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	ice       []webrtc.ICECandidateInit
	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(RemoteStream)
	closed    int
	earlyICE  []webrtc.ICECandidateInit // gathered during CreateOffer/CreateAnswer
	remoteErr error
}

func (p *fakePeer) AddTrack(t LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.gatherEarly()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.gatherEarly()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local-answer"}, nil
}

func (p *fakePeer) gatherEarly() {
	p.mu.Lock()
	fn, early := p.onICE, p.earlyICE
	p.mu.Unlock()
	for _, c := range early {
		fn(c)
	}
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.ice = append(p.ice, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(RemoteStream)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.ice...)
}

func (p *fakePeer) remoteDesc() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) gather(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) addRemoteTrack(r RemoteStream) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(r)
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
	// configure, when set, prepares each new peer.
	configure func(*fakePeer)
}

func (f *fakeFactory) NewPeer() (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{}
	if f.configure != nil {
		f.configure(p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) last(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.peers)
	return f.peers[len(f.peers)-1]
}

type fakeRemote struct {
	id      string
	packets uint64
	lost    uint64
}

func (r fakeRemote) ID() string                { return r.id }
func (r fakeRemote) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (r fakeRemote) Packets() uint64           { return r.packets }
func (r fakeRemote) Lost() uint64              { return r.lost }
