package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const (
	syntheticVideoFrame = 33 * time.Millisecond
	syntheticAudioFrame = 20 * time.Millisecond
)

// SyntheticSource is a device-free MediaSource. Its tracks carry placeholder
// VP8 and Opus payloads at a realistic packet rate, which is enough for remote
// peers to observe a live stream.
type SyntheticSource struct {
	Logger shared.LoggerAdapter
	// Deny makes GetUserMedia fail with this error, like a refused
	// permission prompt.
	Deny error
	// AudioOnly skips the video track.
	AudioOnly bool
}

var _ MediaSource = (*SyntheticSource)(nil)

func (s *SyntheticSource) GetUserMedia(ctx context.Context) (*LocalStream, error) {
	if s.Deny != nil {
		return nil, s.Deny
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = shared.NewNopLogger()
	}

	streamID := "synthetic-" + uuid.NewString()

	audio, err := s.newTrack(logger, webrtc.RTPCodecTypeAudio, webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, streamID, syntheticAudioFrame)
	if err != nil {
		return nil, err
	}
	tracks := []*LocalTrack{audio}

	if !s.AudioOnly {
		video, err := s.newTrack(logger, webrtc.RTPCodecTypeVideo, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, streamID, syntheticVideoFrame)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		tracks = append(tracks, video)
	}

	logger.Debug("synthetic media stream created", zap.String("stream", streamID))
	return NewLocalStream(streamID, tracks...), nil
}

func (s *SyntheticSource) newTrack(
	logger shared.LoggerAdapter,
	kind webrtc.RTPCodecType,
	capability webrtc.RTPCodecCapability,
	streamID string,
	frame time.Duration,
) (*LocalTrack, error) {
	static, err := webrtc.NewTrackLocalStaticSample(capability, kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("creating synthetic %s track: %w", kind, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	track := NewLocalTrack(kind, static, cancel)

	// Placeholder payload sized like one 8 kHz mono frame.
	payload := make([]byte, FrameSamples(frame, 8000, 1))
	go func() {
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: payload, Duration: frame}); err != nil {
					logger.Debug("writing synthetic sample", zap.Error(err))
				}
			}
		}
	}()
	return track, nil
}
