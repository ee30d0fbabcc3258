//go:build linux

package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// NewPlatform returns the peer factory and the microphone source. Audio is
// encoded as Opus; no video is negotiated.
func NewPlatform(iceServers []string) (PeerFactory, MediaSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	peers, err := newPionFactory(mediaEngine, iceServers)
	if err != nil {
		return nil, nil, err
	}
	return peers, &micSource{codecs: codecSelector}, nil
}

type micSource struct {
	codecs *mediadevices.CodecSelector
}

func (m *micSource) Acquire(ctx context.Context) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mics := 0
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			log.Debugf("microphone: %q", d.Label)
			mics++
		}
	}
	if mics == 0 {
		return nil, fmt.Errorf("%w: no audio input device", ErrMediaUnavailable)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: m.codecs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	var tracks []LocalTrack
	for _, t := range stream.GetAudioTracks() {
		id := t.ID()
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("[%s] microphone track ended: %v", id, err)
			}
		})
		tracks = append(tracks, &deviceTrack{track: t, enabled: true})
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track captured", ErrMediaUnavailable)
	}
	log.Infof("microphone captured: %d track(s)", len(tracks))
	return NewLocalStream(tracks...), nil
}

// deviceTrack is a captured microphone track. Disabling it swaps the sender's
// track for nil so no audio leaves the machine; enabling swaps it back.
type deviceTrack struct {
	track mediadevices.Track

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
	stopped bool
}

func (d *deviceTrack) ID() string                    { return d.track.ID() }
func (d *deviceTrack) Kind() webrtc.RTPCodecType     { return d.track.Kind() }
func (d *deviceTrack) TrackLocal() webrtc.TrackLocal { return d.track }

func (d *deviceTrack) bindSender(s *webrtc.RTPSender) {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *deviceTrack) SetEnabled(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled == on || d.stopped {
		return
	}
	d.enabled = on
	if d.sender == nil {
		return
	}
	var next webrtc.TrackLocal
	if on {
		next = d.track
	}
	if err := d.sender.ReplaceTrack(next); err != nil {
		log.Warnf("[%s] replace track (enabled=%v): %v", d.track.ID(), on, err)
	}
}

func (d *deviceTrack) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.enabled = false
	d.mu.Unlock()
	if err := d.track.Close(); err != nil {
		log.Debugf("[%s] close track: %v", d.track.ID(), err)
	}
}
