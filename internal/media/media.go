// Package media acquires and releases local audio/video capture.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrMediaAccess indicates camera/microphone hardware or permission is
// unavailable. Fatal to call start; callers must not retry.
var ErrMediaAccess = errors.New("media capture unavailable")

// Constraints selects which kinds of tracks to capture.
type Constraints struct {
	Video bool
	Audio bool
}

// Source acquires local capture. Acquire may block while the OS surfaces a
// permission prompt; pass a cancelable context.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalStream holds the captured local tracks. Release stops every track and
// is idempotent; calling it on a nil stream is a no-op, so teardown paths can
// call it unconditionally.
type LocalStream struct {
	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	stop     func()
	released bool
}

// NewLocalStream wraps already-captured tracks. stop is invoked exactly once
// on Release and may be nil.
func NewLocalStream(tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	return &LocalStream{tracks: tracks, stop: stop}
}

// Tracks returns the local tracks to attach to a peer transport.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return s.tracks
}

// Release stops all tracks and turns off the device indicators.
func (s *LocalStream) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}
