package tools

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// EncodedReader is the subset of mediadevices.EncodedReader the pump needs.
type EncodedReader interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
}

// StreamLocalTrack copies encoded frames from reader into track until ctx is
// cancelled, the reader hits EOF, or the track is stopped.
func StreamLocalTrack(ctx context.Context, logger shared.LoggerAdapter, track *LocalTrack, reader EncodedReader, frameDuration time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if track.Stopped() {
			return
		}
		buf, release, err := reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				return
			}
			logger.Error("reading from media track", err, zap.String("track", track.ID()))
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Error("failed to write sample to track", err, zap.String("track", track.ID()))
		}
	}
}

// RemoteTrackStats counts what DrainRemoteTrack has read.
type RemoteTrackStats struct {
	Packets atomic.Int64
	Bytes   atomic.Int64
}

// DrainRemoteTrack reads RTP from track until it ends, so pion's receive
// buffers and interceptors keep moving when nothing renders the media.
func DrainRemoteTrack(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, stats *RemoteTrackStats) {
	logger = logger.With(
		zap.String("track", track.ID()),
		zap.String("kind", track.Kind().String()),
		zap.String("codec", track.Codec().MimeType),
	)
	logger.Debug("draining remote track")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("remote track ended", zap.Error(err))
			}
			return
		}
		if stats != nil {
			stats.Packets.Add(1)
			stats.Bytes.Add(int64(len(pkt.Payload)))
		}
	}
}
