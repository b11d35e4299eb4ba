package tools

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource acquires the local camera and microphone. GetUserMedia may block
// for as long as the platform takes to grant access.
type MediaSource interface {
	GetUserMedia(ctx context.Context) (*LocalStream, error)
}

// LocalTrack is one captured track. The same LocalTrack is attached to every
// peer connection; disabling it stops samples from reaching any of them while
// the track stays negotiated.
type LocalTrack struct {
	kind    webrtc.RTPCodecType
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool

	stopOnce sync.Once
	stop     func()
}

// NewLocalTrack wraps track. stop is called once by Stop to release the
// underlying capture; it may be nil.
func NewLocalTrack(kind webrtc.RTPCodecType, track *webrtc.TrackLocalStaticSample, stop func()) *LocalTrack {
	t := &LocalTrack{kind: kind, track: track, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *LocalTrack) ID() string { return t.track.ID() }

// Track returns the handle to pass to PeerConnection.AddTrack.
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// WriteSample forwards s to every bound connection. Samples are dropped while
// the track is disabled or stopped.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.enabled.Load() || t.stopped.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.stop != nil {
			t.stop()
		}
	})
}

// LocalStream groups the tracks returned by one GetUserMedia call.
type LocalStream struct {
	id     string
	tracks []*LocalTrack

	stopOnce sync.Once
}

func NewLocalStream(id string, tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *LocalStream) VideoTracks() []*LocalTrack {
	return s.byKind(webrtc.RTPCodecTypeVideo)
}

func (s *LocalStream) AudioTracks() []*LocalTrack {
	return s.byKind(webrtc.RTPCodecTypeAudio)
}

func (s *LocalStream) byKind(kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track. Only the first call has an effect.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// Stopped reports whether Stop has run.
func (s *LocalStream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}
