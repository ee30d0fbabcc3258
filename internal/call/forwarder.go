// Package call forwards WebRTC call signaling for one chat room over the
// realtime session and drives the local peer connection.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/ychat/internal/metrics"
	"github.com/petervdpas/ychat/internal/proto"
)

var log = logging.Logger("call")

// DefaultRingTimeout ends an unanswered call.
const DefaultRingTimeout = 30 * time.Second

// maxQueuedICE bounds remote candidates held while no peer connection exists.
const maxQueuedICE = 64

type Options struct {
	Peers       PeerFactory
	Media       MediaSource
	Clock       clock.Clock
	RingTimeout time.Duration
}

// Forwarder owns at most one call for one chat room.
type Forwarder struct {
	sig    Signaler
	chatID string
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	since    time.Time
	gen      uint64 // bumped on every start and teardown
	sess     *callSession
	timer    *clock.Timer
	queued   []webrtc.ICECandidateInit
	ringing  *IncomingCall
	incoming []func(*IncomingCall)
	closed   bool
}

// New subscribes to the call events of chatID on sig. The subscriptions end
// when the forwarder is closed or the session ends.
func New(sig Signaler, chatID string, opts Options) *Forwarder {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		sig:    sig,
		chatID: chatID,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		state:  Idle{},
		since:  opts.Clock.Now(),
	}
	go f.dispatchLoop(
		sig.Subscribe(ctx, proto.EventCallRequest),
		sig.Subscribe(ctx, proto.EventCallAnswer),
		sig.Subscribe(ctx, proto.EventICECandidate),
		sig.Subscribe(ctx, proto.EventCallEnd),
	)
	return f
}

// dispatchLoop handles signaling one event at a time.
func (f *Forwarder) dispatchLoop(req, ans, ice, end <-chan json.RawMessage) {
	for req != nil || ans != nil || ice != nil || end != nil {
		select {
		case raw, ok := <-req:
			if !ok {
				req = nil
				continue
			}
			f.handleRequest(raw)
		case raw, ok := <-ans:
			if !ok {
				ans = nil
				continue
			}
			f.handleAnswer(raw)
		case raw, ok := <-ice:
			if !ok {
				ice = nil
				continue
			}
			f.handleICE(raw)
		case raw, ok := <-end:
			if !ok {
				end = nil
				continue
			}
			f.handleEnd(raw)
		}
	}
	log.Debugf("[%s] signaling subscriptions closed", f.chatID)
}

func (f *Forwarder) foreign(chatID string) bool {
	return chatID != "" && chatID != f.chatID
}

// ── Outgoing ──────────────────────────────────────────────────────────────────

// Start places a call: it arms the ring timer, captures audio, creates the
// offer and emits callRequest. On failure the forwarder is idle again.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if _, idle := f.state.(Idle); !idle {
		f.mu.Unlock()
		return ErrCallInProgress
	}
	if f.opts.Peers == nil || f.opts.Media == nil {
		f.mu.Unlock()
		return ErrMediaUnavailable
	}
	f.ringing = nil
	f.queued = nil
	gen := f.beginLocked()
	f.mu.Unlock()

	local, err := f.opts.Media.Acquire(ctx)
	if err != nil {
		f.abort(gen)
		err = mediaError(err)
		log.Warnf("[%s] start call: %v", f.chatID, err)
		return fmt.Errorf("start call: %w", err)
	}

	sess, offer, err := f.prepareOffer(local)
	if err != nil {
		if sess != nil {
			sess.close()
		} else {
			local.Stop()
		}
		f.abort(gen)
		log.Warnf("[%s] start call: %v", f.chatID, err)
		return fmt.Errorf("start call: %w", err)
	}

	if !f.attach(gen, sess) {
		sess.close()
		return ErrCallEnded
	}

	payload := proto.CallRequestPayload{Offer: fromWebRTC(offer), ChatID: f.chatID}
	if err := f.sig.Emit(proto.EventCallRequest, payload); err != nil {
		f.abort(gen)
		return fmt.Errorf("send call request: %w", err)
	}
	if !sess.markSignalled() {
		// Torn down while the request was on the wire, before anyone
		// could announce the end.
		f.emitEnd("setup")
		return ErrCallEnded
	}
	metrics.Calls.WithLabelValues("started").Inc()
	log.Infof("[%s] call request sent", f.chatID)
	return nil
}

func (f *Forwarder) prepareOffer(local *LocalStream) (*callSession, webrtc.SessionDescription, error) {
	pc, err := f.opts.Peers.NewPeer()
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	sess, err := newCallSession(f.chatID, true, pc, local, f.emitLocalICE)
	if err != nil {
		return sess, webrtc.SessionDescription{}, fmt.Errorf("add track: %w", err)
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return sess, offer, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return sess, offer, fmt.Errorf("set local description: %w", err)
	}
	return sess, offer, nil
}

func (f *Forwarder) handleAnswer(raw json.RawMessage) {
	d, chatID, err := decodeDescription(raw, "answer")
	if f.foreign(chatID) {
		return
	}
	if err != nil {
		log.Warnf("[%s] call answer: %v", f.chatID, err)
		return
	}
	desc, err := toWebRTC(d)
	if err != nil {
		log.Warnf("[%s] call answer: %v", f.chatID, err)
		return
	}

	f.mu.Lock()
	_, offering := f.state.(Offering)
	sess, gen := f.sess, f.gen
	f.mu.Unlock()
	if !offering || sess == nil || !sess.outgoing {
		log.Debugf("[%s] ignoring call answer (state %s)", f.chatID, f.State())
		return
	}

	if err := sess.setRemote(desc); err != nil {
		log.Warnf("[%s] apply answer: %v", f.chatID, err)
		return
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return
	}
	f.stopTimerLocked()
	f.setStateLocked(Active{})
	f.mu.Unlock()
	metrics.Calls.WithLabelValues("answered").Inc()
	log.Infof("[%s] call answered", f.chatID)
}

// ── Incoming ──────────────────────────────────────────────────────────────────

// OnIncoming registers fn for callRequests that arrive while idle. fn runs on
// the signaling goroutine and must not block; call Accept elsewhere.
func (f *Forwarder) OnIncoming(fn func(*IncomingCall)) {
	f.mu.Lock()
	f.incoming = append(f.incoming, fn)
	f.mu.Unlock()
}

func (f *Forwarder) handleRequest(raw json.RawMessage) {
	offer, chatID, err := decodeDescription(raw, "offer")
	if f.foreign(chatID) {
		return
	}
	if err != nil {
		log.Warnf("[%s] call request: %v", f.chatID, err)
		return
	}

	f.mu.Lock()
	if _, idle := f.state.(Idle); !idle || f.closed {
		f.mu.Unlock()
		log.Infof("[%s] busy, ignoring call request", f.chatID)
		return
	}
	ic := &IncomingCall{ChatID: f.chatID, Offer: offer, f: f}
	f.ringing = ic
	handlers := slices.Clone(f.incoming)
	f.mu.Unlock()

	log.Infof("[%s] incoming call", f.chatID)
	for _, fn := range handlers {
		fn(ic)
	}
}

func (f *Forwarder) accept(ctx context.Context, ic *IncomingCall) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if _, idle := f.state.(Idle); !idle {
		f.mu.Unlock()
		return ErrCallInProgress
	}
	if f.ringing != ic {
		f.mu.Unlock()
		return ErrCallEnded
	}
	if f.opts.Peers == nil || f.opts.Media == nil {
		f.mu.Unlock()
		return ErrMediaUnavailable
	}
	f.ringing = nil
	gen := f.beginLocked()
	f.mu.Unlock()

	offer, err := toWebRTC(ic.Offer)
	if err != nil {
		f.abort(gen)
		return fmt.Errorf("accept call: %w", err)
	}

	local, err := f.opts.Media.Acquire(ctx)
	if err != nil {
		f.abort(gen)
		err = mediaError(err)
		log.Warnf("[%s] accept call: %v", f.chatID, err)
		return fmt.Errorf("accept call: %w", err)
	}

	sess, answer, err := f.prepareAnswer(local, offer)
	if err != nil {
		if sess != nil {
			sess.close()
		} else {
			local.Stop()
		}
		f.abort(gen)
		log.Warnf("[%s] accept call: %v", f.chatID, err)
		return fmt.Errorf("accept call: %w", err)
	}

	if !f.attach(gen, sess) {
		sess.close()
		return ErrCallEnded
	}

	payload := proto.CallAnswerPayload{Answer: fromWebRTC(answer), ChatID: f.chatID}
	if err := f.sig.Emit(proto.EventCallAnswer, payload); err != nil {
		f.abort(gen)
		return fmt.Errorf("send call answer: %w", err)
	}
	if !sess.markSignalled() {
		f.emitEnd("setup")
		return ErrCallEnded
	}

	f.mu.Lock()
	if f.gen == gen {
		f.stopTimerLocked()
		f.setStateLocked(Active{})
	}
	f.mu.Unlock()
	metrics.Calls.WithLabelValues("accepted").Inc()
	log.Infof("[%s] call accepted", f.chatID)
	return nil
}

func (f *Forwarder) prepareAnswer(local *LocalStream, offer webrtc.SessionDescription) (*callSession, webrtc.SessionDescription, error) {
	pc, err := f.opts.Peers.NewPeer()
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	sess, err := newCallSession(f.chatID, false, pc, local, f.emitLocalICE)
	if err != nil {
		return sess, webrtc.SessionDescription{}, fmt.Errorf("add track: %w", err)
	}
	if err := sess.setRemote(offer); err != nil {
		return sess, webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return sess, answer, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return sess, answer, fmt.Errorf("set local description: %w", err)
	}
	return sess, answer, nil
}

func (f *Forwarder) reject(ic *IncomingCall) {
	f.mu.Lock()
	if f.ringing == ic {
		f.ringing = nil
		f.queued = nil
	}
	f.mu.Unlock()
	f.emitEnd("rejected")
}

// ── ICE ───────────────────────────────────────────────────────────────────────

func (f *Forwarder) emitLocalICE(c webrtc.ICECandidateInit) {
	payload := proto.ICECandidatePayload{Candidate: iceToProto(c), ChatID: f.chatID}
	if err := f.sig.Emit(proto.EventICECandidate, payload); err != nil {
		log.Debugf("[%s] ice candidate not sent: %v", f.chatID, err)
	}
}

func (f *Forwarder) handleICE(raw json.RawMessage) {
	c, chatID, err := decodeICE(raw)
	if f.foreign(chatID) {
		return
	}
	if err != nil {
		log.Warnf("[%s] ice candidate: %v", f.chatID, err)
		return
	}

	f.mu.Lock()
	sess := f.sess
	if sess == nil {
		if len(f.queued) < maxQueuedICE {
			f.queued = append(f.queued, iceFromProto(c))
		}
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	sess.addRemoteICE(iceFromProto(c))
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// Hangup ends the call in any non-idle state and emits callEnd.
func (f *Forwarder) Hangup() error {
	f.mu.Lock()
	if _, idle := f.state.(Idle); idle {
		f.mu.Unlock()
		return ErrNotActive
	}
	sess := f.teardownLocked()
	f.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	f.emitEnd("hangup")
	metrics.Calls.WithLabelValues("hangup").Inc()
	log.Infof("[%s] hung up", f.chatID)
	return nil
}

func (f *Forwarder) handleEnd(raw json.RawMessage) {
	if f.foreign(decodeChatID(raw)) {
		return
	}
	f.mu.Lock()
	if f.ringing != nil {
		f.ringing = nil
		f.queued = nil
		f.mu.Unlock()
		log.Infof("[%s] caller gave up", f.chatID)
		return
	}
	if _, idle := f.state.(Idle); idle {
		f.mu.Unlock()
		return
	}
	sess := f.teardownLocked()
	f.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	metrics.Calls.WithLabelValues("remote_end").Inc()
	log.Infof("[%s] remote ended the call", f.chatID)
}

func (f *Forwarder) ringTimeout(gen uint64) {
	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return
	}
	if _, offering := f.state.(Offering); !offering {
		f.mu.Unlock()
		return
	}
	sess := f.teardownLocked()
	f.mu.Unlock()

	// Nothing went out yet if capture or offer creation was still pending.
	if sess != nil && sess.close() {
		f.emitEnd("timeout")
	}
	metrics.Calls.WithLabelValues("timeout").Inc()
	log.Infof("[%s] no answer after %s", f.chatID, f.opts.RingTimeout)
}

// abort tears down a start or accept that failed, unless something else
// already did.
func (f *Forwarder) abort(gen uint64) {
	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return
	}
	sess := f.teardownLocked()
	f.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

func (f *Forwarder) emitEnd(reason string) {
	if err := f.sig.Emit(proto.EventCallEnd, proto.CallEndPayload{ChatID: f.chatID}); err != nil {
		log.Debugf("[%s] callEnd (%s) not sent: %v", f.chatID, reason, err)
	}
}

// Close ends any call, emitting callEnd if one was up, and drops the
// signaling subscriptions.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	_, idle := f.state.(Idle)
	var sess *callSession
	if !idle {
		sess = f.teardownLocked()
	}
	f.ringing = nil
	f.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	if !idle {
		f.emitEnd("close")
	}
	f.cancel()
}

// ── State ─────────────────────────────────────────────────────────────────────

// beginLocked enters Offering and arms the ring timer.
func (f *Forwarder) beginLocked() uint64 {
	f.gen++
	gen := f.gen
	now := f.opts.Clock.Now()
	f.setStateLocked(Offering{Since: now})
	f.timer = f.opts.Clock.AfterFunc(f.opts.RingTimeout, func() { f.ringTimeout(gen) })
	return gen
}

// attach installs sess as the current call and hands it the remote
// candidates queued so far. It reports false if the call was torn down
// meanwhile.
func (f *Forwarder) attach(gen uint64, sess *callSession) bool {
	f.mu.Lock()
	if f.gen != gen || f.closed {
		f.mu.Unlock()
		return false
	}
	f.sess = sess
	queued := f.queued
	f.queued = nil
	f.mu.Unlock()
	for _, c := range queued {
		sess.addRemoteICE(c)
	}
	return true
}

func (f *Forwarder) teardownLocked() *callSession {
	f.gen++
	f.stopTimerLocked()
	sess := f.sess
	f.sess = nil
	f.queued = nil
	f.setStateLocked(Idle{})
	return sess
}

func (f *Forwarder) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *Forwarder) setStateLocked(s State) {
	f.state = s
	f.since = f.opts.Clock.Now()
}

// ToggleMute flips the enabled flag on every local audio track and returns
// the new muted value.
func (f *Forwarder) ToggleMute() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.state.(Active)
	if !ok || f.sess == nil {
		return false, ErrNotActive
	}
	a.Muted = !a.Muted
	f.state = a
	f.sess.local.SetAudioEnabled(!a.Muted)
	log.Infof("[%s] muted=%v", f.chatID, a.Muted)
	return a.Muted, nil
}

// ToggleSpeaker flips the speaker flag. Audio routing is left to the platform.
func (f *Forwarder) ToggleSpeaker() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.state.(Active)
	if !ok {
		return false, ErrNotActive
	}
	a.SpeakerOn = !a.SpeakerOn
	f.state = a
	return a.SpeakerOn, nil
}

func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Ringing returns the incoming call waiting for Accept or Reject, or nil.
func (f *Forwarder) Ringing() *IncomingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ringing
}

func (f *Forwarder) Status() Status {
	f.mu.Lock()
	st := Status{ChatID: f.chatID, State: f.state.String(), Since: f.since}
	if a, ok := f.state.(Active); ok {
		st.Muted, st.SpeakerOn = a.Muted, a.SpeakerOn
	}
	sess := f.sess
	f.mu.Unlock()
	if sess != nil {
		st.RemoteTracks, st.RemotePackets, st.RemoteLost = sess.stats()
	}
	return st
}

func mediaError(err error) error {
	if errors.Is(err, ErrMediaUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
}
