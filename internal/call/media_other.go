//go:build !linux

package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewPlatform returns a peer factory with the default codecs. Microphone
// capture is only wired on Linux, so Acquire always fails here.
func NewPlatform(iceServers []string) (PeerFactory, MediaSource, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("register codecs: %w", err)
	}
	peers, err := newPionFactory(mediaEngine, iceServers)
	if err != nil {
		return nil, nil, err
	}
	return peers, noMedia{}, nil
}

type noMedia struct{}

func (noMedia) Acquire(context.Context) (*LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture driver on this platform", ErrMediaUnavailable)
}
