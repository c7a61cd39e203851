// Package tools holds the microphone capture plumbing shared by the
// recorder and the example CLI.
package tools

import (
	"context"
	"io"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voxbridge/realtime/shared"
)

// Microphone is one acquired capture stream plus the parameters needed to
// feed it into a WebRTC track.
type Microphone struct {
	Stream        mediadevices.MediaStream
	Track         mediadevices.Track
	FrameDuration time.Duration
}

// CaptureMicrophone requests microphone access (audio only) with an opus
// encoder attached. The caller owns the returned stream and must stop its
// tracks on teardown.
func CaptureMicrophone(sampleRate, channels int) (*Microphone, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(sampleRate)
			c.ChannelCount = prop.Int(channels)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, shared.ErrMicrophoneDenied
	}
	audioTracks := stream.GetAudioTracks()
	if len(audioTracks) == 0 {
		StopStream(stream)
		return nil, shared.ErrMicrophoneDenied
	}
	return &Microphone{
		Stream:        stream,
		Track:         audioTracks[0],
		FrameDuration: time.Duration(opusParams.Latency),
	}, nil
}

// StopStream stops every track of a capture stream.
func StopStream(stream mediadevices.MediaStream) {
	if stream == nil {
		return
	}
	for _, track := range stream.GetTracks() {
		_ = track.Close()
	}
}

// StreamLocalAudio pumps encoded microphone frames into a local WebRTC
// track until the context ends or the source drains.
func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample, mediaTrack mediadevices.Track, frameDuration time.Duration) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				release()
				return
			}
			logger.Error("reading from media track", err)
			release()
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data[:],
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("writing sample to track", err)
		}
	}
}
