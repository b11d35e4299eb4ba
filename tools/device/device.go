// Package device captures the local camera and microphone through
// pion/mediadevices. It needs cgo and the libvpx/libopus development headers;
// use tools.SyntheticSource where those are unavailable.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/bt-bridge/meshcall/tools"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type Source struct {
	Logger    shared.LoggerAdapter
	Width     int
	Height    int
	FrameRate float64
	// VideoBitRate and AudioBitRate are in bits per second.
	VideoBitRate int
	AudioBitRate int
}

var _ tools.MediaSource = (*Source)(nil)

func NewSource(logger shared.LoggerAdapter) *Source {
	return &Source{
		Logger:       logger,
		Width:        640,
		Height:       480,
		FrameRate:    30,
		VideoBitRate: 500_000,
		AudioBitRate: 32_000,
	}
}

// GetUserMedia opens the default camera and microphone. The returned stream
// owns the devices until Stop.
func (s *Source) GetUserMedia(ctx context.Context) (*tools.LocalStream, error) {
	if s.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("creating VP8 params: %w", err)
	}
	vpxParams.BitRate = s.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	opusParams.BitRate = s.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	resC := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.Width = prop.Int(s.Width)
				c.Height = prop.Int(s.Height)
				c.FrameRate = prop.Float(s.FrameRate)
			},
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(48000)
				c.ChannelCount = prop.Int(1)
				c.SampleSize = prop.Int(16)
			},
			Codec: mediadevices.NewCodecSelector(
				mediadevices.WithVideoEncoders(&vpxParams),
				mediadevices.WithAudioEncoders(&opusParams),
			),
		})
		resC <- result{stream: stream, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		// The capture may still complete; release it when it does.
		go func() {
			if r := <-resC; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case res = <-resC:
	}
	if res.err != nil {
		return nil, fmt.Errorf("getting user media: %w", res.err)
	}

	frameDuration := time.Duration(float64(time.Second) / s.FrameRate)
	var tracks []*tools.LocalTrack
	for _, mt := range res.stream.GetVideoTracks() {
		t, err := s.bind(mt, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, frameDuration)
		if err != nil {
			stopAll(res.stream, tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	for _, mt := range res.stream.GetAudioTracks() {
		t, err := s.bind(mt, webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}, time.Duration(opusParams.Latency))
		if err != nil {
			stopAll(res.stream, tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil, errors.New("no camera or microphone track available")
	}

	streamID := uuid.NewString()
	s.Logger.Info("local media acquired", zap.String("stream", streamID), zap.Int("tracks", len(tracks)))
	return tools.NewLocalStream(streamID, tracks...), nil
}

// bind pumps the encoded output of mt into a sample track that can be shared
// by every peer connection.
func (s *Source) bind(mt mediadevices.Track, capability webrtc.RTPCodecCapability, frameDuration time.Duration) (*tools.LocalTrack, error) {
	static, err := webrtc.NewTrackLocalStaticSample(capability, mt.ID(), "meshcall")
	if err != nil {
		return nil, fmt.Errorf("creating local %s track: %w", mt.Kind(), err)
	}
	reader, err := mt.NewEncodedReader(capability.MimeType)
	if err != nil {
		return nil, fmt.Errorf("creating media track reader: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	track := tools.NewLocalTrack(mt.Kind(), static, func() {
		cancel()
		_ = reader.Close()
		if err := mt.Close(); err != nil {
			s.Logger.Error("closing media track", err, zap.String("track", mt.ID()))
		}
	})
	go tools.StreamLocalTrack(ctx, s.Logger, track, reader, frameDuration)
	return track, nil
}

func stopAll(stream mediadevices.MediaStream, bound []*tools.LocalTrack) {
	for _, t := range bound {
		t.Stop()
	}
	for _, t := range stream.GetTracks() {
		_ = t.Close()
	}
}
