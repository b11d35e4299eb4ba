package tools

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStaticTrack(t *testing.T) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "stream",
	)
	require.NoError(t, err)
	return track
}

func TestLocalTrackEnabledFlag(t *testing.T) {
	track := NewLocalTrack(webrtc.RTPCodecTypeAudio, newStaticTrack(t), nil)
	assert.True(t, track.Enabled())

	track.SetEnabled(false)
	assert.False(t, track.Enabled())
	assert.NoError(t, track.WriteSample(media.Sample{Data: []byte{1}, Duration: time.Millisecond}))

	track.SetEnabled(true)
	assert.True(t, track.Enabled())
}

func TestLocalStreamStopRunsOnce(t *testing.T) {
	stops := 0
	audio := NewLocalTrack(webrtc.RTPCodecTypeAudio, newStaticTrack(t), func() { stops++ })
	video := NewLocalTrack(webrtc.RTPCodecTypeVideo, newStaticTrack(t), func() { stops++ })
	stream := NewLocalStream("s", audio, video)

	assert.Len(t, stream.AudioTracks(), 1)
	assert.Len(t, stream.VideoTracks(), 1)
	assert.False(t, stream.Stopped())

	stream.Stop()
	stream.Stop()

	assert.Equal(t, 2, stops)
	assert.True(t, stream.Stopped())
	assert.True(t, audio.Stopped())
}

func TestSyntheticSource(t *testing.T) {
	src := &SyntheticSource{}
	stream, err := src.GetUserMedia(context.Background())
	require.NoError(t, err)
	t.Cleanup(stream.Stop)

	assert.Len(t, stream.AudioTracks(), 1)
	assert.Len(t, stream.VideoTracks(), 1)

	audioOnly := &SyntheticSource{AudioOnly: true}
	s2, err := audioOnly.GetUserMedia(context.Background())
	require.NoError(t, err)
	t.Cleanup(s2.Stop)
	assert.Len(t, s2.Tracks(), 1)
	assert.NotEqual(t, stream.ID(), s2.ID())
	assert.NotEqual(t, stream.AudioTracks()[0].ID(), s2.AudioTracks()[0].ID())

	// every source instance hands out distinct ids
	s3, err := (&SyntheticSource{}).GetUserMedia(context.Background())
	require.NoError(t, err)
	t.Cleanup(s3.Stop)
	assert.NotEqual(t, stream.ID(), s3.ID())

	denied := errors.New("permission denied")
	_, err = (&SyntheticSource{Deny: denied}).GetUserMedia(context.Background())
	assert.ErrorIs(t, err, denied)
}

type fakeReader struct {
	frames   [][]byte
	released int
}

func (r *fakeReader) Read() (mediadevices.EncodedBuffer, func(), error) {
	if len(r.frames) == 0 {
		return mediadevices.EncodedBuffer{}, func() {}, io.EOF
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return mediadevices.EncodedBuffer{Data: f, Samples: uint32(len(f))}, func() { r.released++ }, nil
}

func TestStreamLocalTrackStopsAtEOF(t *testing.T) {
	track := NewLocalTrack(webrtc.RTPCodecTypeAudio, newStaticTrack(t), nil)
	reader := &fakeReader{frames: [][]byte{{1, 2}, {}, {3}}}

	done := make(chan struct{})
	go func() {
		StreamLocalTrack(context.Background(), shared.NewNopLogger(), track, reader, 20*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop at EOF")
	}
	assert.Equal(t, 3, reader.released)
}
