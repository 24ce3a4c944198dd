//go:build linux

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the V4L2 camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the malgo microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures from the local camera and microphone via
// pion/mediadevices, encoding VP8 + Opus.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

// NewDeviceSource builds the VP8/Opus codec selector once; a DeviceSource is
// reusable across call attempts.
func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// ConfigureEngine registers the selected codecs on a transport media engine.
// The transport must use an engine populated by the same selector that
// captured the tracks, or track codecs will not match the SDP.
func (d *DeviceSource) ConfigureEngine(engine *webrtc.MediaEngine) error {
	d.selector.Populate(engine)
	return nil
}

func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no capture devices found", ErrMediaAccess)
	}
	for _, dev := range devices {
		d.logger.Debug("media device", "kind", fmt.Sprint(dev.Kind), "label", dev.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node producing
			// malformed frames that poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	captured := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(captured))
	for _, track := range captured {
		track.OnEnded(func(err error) {
			if err != nil {
				d.logger.Warn("local track ended", "error", err)
			}
		})
		tracks = append(tracks, track)
	}

	d.logger.Info("local media captured", "tracks", len(tracks))
	return NewLocalStream(tracks, func() {
		for _, t := range captured {
			_ = t.Close()
		}
	}), nil
}
