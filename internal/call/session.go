package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// callSession is one peer connection with its local capture. Remote
// candidates wait until the remote description is set; local candidates
// wait until the offer or answer has been emitted.
type callSession struct {
	chatID   string
	outgoing bool
	pc       PeerConn
	local    *LocalStream
	emitICE  func(webrtc.ICECandidateInit)

	mu            sync.Mutex
	remote        []RemoteStream
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	signalled     bool
	pendingLocal  []webrtc.ICECandidateInit
	closed        bool

	closeOnce sync.Once
}

func newCallSession(chatID string, outgoing bool, pc PeerConn, local *LocalStream, emitICE func(webrtc.ICECandidateInit)) (*callSession, error) {
	s := &callSession{
		chatID:   chatID,
		outgoing: outgoing,
		pc:       pc,
		local:    local,
		emitICE:  emitICE,
	}
	pc.OnICECandidate(s.onLocalICE)
	pc.OnTrack(s.onTrack)
	for _, t := range local.AudioTracks() {
		if err := pc.AddTrack(t); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (s *callSession) onLocalICE(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.signalled {
		s.pendingLocal = append(s.pendingLocal, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emitICE(c)
}

// markSignalled releases buffered local candidates. It reports false if the
// session was already closed.
func (s *callSession) markSignalled() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.signalled = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.emitICE(c)
	}
	return true
}

func (s *callSession) setRemote(d webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(d); err != nil {
		return err
	}
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.applyICE(c)
	}
	return nil
}

func (s *callSession) addRemoteICE(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.applyICE(c)
}

func (s *callSession) applyICE(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Warnf("[%s] add ice candidate: %v", s.chatID, err)
	}
}

func (s *callSession) onTrack(r RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.remote = append(s.remote, r)
	log.Infof("[%s] remote %s track %s", s.chatID, r.Kind(), r.ID())
}

func (s *callSession) stats() (tracks int, packets, lost uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.remote {
		packets += r.Packets()
		lost += r.Lost()
	}
	return len(s.remote), packets, lost
}

// close releases the local capture and the peer connection. Only the first
// call has an effect; it reports whether the offer or answer had been
// emitted by then.
func (s *callSession) close() bool {
	signalled := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		signalled = s.signalled
		s.remote = nil
		s.pendingLocal = nil
		s.pendingRemote = nil
		s.mu.Unlock()

		s.local.Stop()
		if err := s.pc.Close(); err != nil {
			log.Debugf("[%s] close peer connection: %v", s.chatID, err)
		}
	})
	return signalled
}
