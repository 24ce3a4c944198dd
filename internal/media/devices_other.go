//go:build !linux

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// DeviceSource has no hardware capture off Linux. pion/mediadevices drivers
// are platform specific (V4L2/malgo); browser peers carry their own media.
// Acquire always fails with ErrMediaAccess so sessions either run
// receive-only or fail fast per their configuration.
type DeviceSource struct {
	logger *slog.Logger
}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceSource{logger: logger}, nil
}

func (d *DeviceSource) ConfigureEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (d *DeviceSource) Acquire(ctx context.Context, c Constraints) (*LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaAccess)
}
