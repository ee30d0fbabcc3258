package call

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is used when none are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// pionTrack is a LocalTrack backed by a pion TrackLocal.
type pionTrack interface {
	LocalTrack
	TrackLocal() webrtc.TrackLocal
	bindSender(s *webrtc.RTPSender)
}

type pionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// newPionFactory builds a webrtc API with the default interceptors on top of
// mediaEngine.
func newPionFactory(mediaEngine *webrtc.MediaEngine, iceServers []string) (*pionFactory, error) {
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// A brief NAT hiccup should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return &pionFactory{
		api: api,
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
		},
	}, nil
}

func (f *pionFactory) NewPeer() (PeerConn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(t LocalTrack) error {
	pt, ok := t.(pionTrack)
	if !ok {
		return fmt.Errorf("track %s is not a pion track", t.ID())
	}
	sender, err := p.pc.AddTrack(pt.TrackLocal())
	if err != nil {
		return err
	}
	pt.bindSender(sender)
	go drainRTCP(t.ID(), sender)
	return nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnTrack(fn func(RemoteStream)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &remoteTrack{id: track.ID(), kind: track.Kind()}
		go rt.consume(track)
		fn(rt)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// remoteTrack counts the RTP packets of a remote track. Audio playback is
// left to the platform; the packets are read so the receive buffers drain.
type remoteTrack struct {
	id   string
	kind webrtc.RTPCodecType

	packets atomic.Uint64
	lost    atomic.Uint64
	lastSeq atomic.Uint32
	started atomic.Bool
}

func (r *remoteTrack) ID() string                { return r.id }
func (r *remoteTrack) Kind() webrtc.RTPCodecType { return r.kind }
func (r *remoteTrack) Packets() uint64           { return r.packets.Load() }
func (r *remoteTrack) Lost() uint64              { return r.lost.Load() }

func (r *remoteTrack) consume(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debugf("[%s] remote track ended: %v", r.id, err)
			return
		}
		r.observe(pkt)
	}
}

// observe records one packet and counts sequence gaps as loss.
func (r *remoteTrack) observe(pkt *rtp.Packet) {
	r.packets.Add(1)
	seq := pkt.SequenceNumber
	if r.started.Swap(true) {
		gap := seq - uint16(r.lastSeq.Load()) // wraps at 65535
		if gap == 0 || gap >= 1<<15 {
			return // duplicate or late
		}
		if gap > 1 {
			r.lost.Add(uint64(gap - 1))
		}
	}
	r.lastSeq.Store(uint32(seq))
}

// drainRTCP reads sender RTCP so interceptors keep working, and logs
// receiver-reported loss.
func drainRTCP(trackID string, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debugf("[%s] rtcp: %v", trackID, err)
			}
			return
		}
		for _, p := range pkts {
			rr, ok := p.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, rep := range rr.Reports {
				if rep.FractionLost > 0 {
					log.Debugf("[%s] remote reports %.1f%% loss (jitter %d)",
						trackID, float64(rep.FractionLost)*100/256, rep.Jitter)
				}
			}
		}
	}
}
