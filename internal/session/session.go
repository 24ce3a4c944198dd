// Package session orchestrates one peer-to-peer call: it drives the media
// source, the peer transport, and the signaling channel through the call
// lifecycle and owns every piece of per-call negotiation state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/peercall/internal/media"
	"github.com/avolkov/peercall/internal/models"
	"github.com/avolkov/peercall/internal/signal"

	"github.com/pion/webrtc/v4"
)

// State is the explicit call lifecycle variant. It is maintained client-side
// and derived from snapshot content, never inferred ad hoc from field
// presence.
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateNegotiating
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailReason is the single reason code surfaced with a failed call.
type FailReason string

const (
	FailReasonMedia     FailReason = "media-access"
	FailReasonSignaling FailReason = "signaling"
	FailReasonTransport FailReason = "transport"
)

var ErrAlreadyStarted = errors.New("session already started")

// endWriteTimeout bounds the graceful status=ended write during teardown.
const endWriteTimeout = 5 * time.Second

// Transport is the per-call peer connection capability the session drives.
// *transport.Transport satisfies it; tests substitute fakes.
type Transport interface {
	AddLocalTracks(stream *media.LocalStream) error
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetLocalDescription(desc models.SessionDescription) error
	SetRemoteDescription(desc models.SessionDescription) error
	RemoteDescriptionSet() bool
	AddICECandidate(cand models.Candidate) error
	OnICECandidate(fn func(models.Candidate))
	OnRemoteTrack(fn func(*webrtc.TrackRemote))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// TransportFactory opens a fresh transport for one call attempt, typically
// after fetching the current ICE server list.
type TransportFactory func(ctx context.Context) (Transport, error)

// Events are the presentation bindings. All callbacks are optional and fire
// synchronously on session goroutines; handlers must not block.
type Events struct {
	OnState       func(State)
	OnLocalStream func(*media.LocalStream)
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnFailure     func(FailReason, error)
}

// Config wires one session.
type Config struct {
	SelfID       string
	PeerID       string
	Channel      signal.Channel
	Media        media.Source
	NewTransport TransportFactory
	Events       Events
	Logger       *slog.Logger
}

// Session is the call state machine. One Session covers one call attempt;
// a re-call builds a new Session.
type Session struct {
	selfID, peerID, callID string

	channel      signal.Channel
	source       media.Source
	newTransport TransportFactory
	events       Events
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	state             State
	caller            bool
	remoteDescApplied bool
	applied           map[string]struct{}
	pendingLocal      []models.Candidate
	recordLive        bool
	ending            bool
	unsubscribe       func()
	transport         Transport
	stream            *media.LocalStream
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	callID := models.CallID(cfg.SelfID, cfg.PeerID)
	return &Session{
		selfID:       cfg.SelfID,
		peerID:       cfg.PeerID,
		callID:       callID,
		channel:      cfg.Channel,
		source:       cfg.Media,
		newTransport: cfg.NewTransport,
		events:       cfg.Events,
		logger:       logger.With("call_id", callID, "self", cfg.SelfID),
		state:        StateIdle,
		applied:      make(map[string]struct{}),
	}
}

// CallID returns the deterministic shared record key for this pair.
func (s *Session) CallID() string { return s.callID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start places the call: this side becomes the record creator and the offer
// side. ctx should span the whole call; canceling it aborts in-flight
// signaling writes.
func (s *Session) Start(ctx context.Context) error {
	return s.begin(ctx, true)
}

// Answer joins a call initiated by the counterpart. The offer is consumed
// from the first snapshot that carries it.
func (s *Session) Answer(ctx context.Context) error {
	return s.begin(ctx, false)
}

func (s *Session) begin(ctx context.Context, caller bool) error {
	s.mu.Lock()
	if s.state != StateIdle || s.ending {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateInitiating
	s.caller = caller
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.emitState(StateInitiating)

	stream, err := s.source.Acquire(s.ctx, media.Constraints{Video: true, Audio: true})
	if err != nil {
		s.fail(FailReasonMedia, err)
		return err
	}
	s.adoptStream(stream)
	if s.events.OnLocalStream != nil {
		s.events.OnLocalStream(stream)
	}

	tr, err := s.newTransport(s.ctx)
	if err != nil {
		s.fail(FailReasonTransport, err)
		return err
	}
	s.adoptTransport(tr)

	if err := tr.AddLocalTracks(stream); err != nil {
		s.fail(FailReasonTransport, err)
		return err
	}

	// Callbacks registered before any description exists so no early
	// candidate is lost; candidates discovered before the record exists
	// are buffered and flushed once it does.
	tr.OnICECandidate(s.relayLocalCandidate)
	tr.OnRemoteTrack(s.handleRemoteTrack)
	tr.OnStateChange(s.handleConnState)

	if caller {
		offer, err := tr.CreateOffer(s.ctx)
		if err != nil {
			s.fail(FailReasonTransport, err)
			return err
		}
		if err := tr.SetLocalDescription(offer); err != nil {
			s.fail(FailReasonTransport, err)
			return err
		}
		rec := models.CallRecord{
			CallID:       s.callID,
			Participants: []string{s.selfID, s.peerID},
			CreatedBy:    s.selfID,
			Offer:        &offer,
			Status:       models.CallStatusPending,
		}
		// Without the offer write there is no call; this one is fatal.
		if err := s.channel.Create(s.ctx, rec); err != nil {
			s.fail(FailReasonSignaling, err)
			return err
		}
		s.markRecordLive()
	}

	unsubscribe, err := s.channel.Subscribe(s.callID, s.handleSnapshot)
	if err != nil {
		s.fail(FailReasonSignaling, err)
		return err
	}

	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		unsubscribe()
		return nil
	}
	s.unsubscribe = unsubscribe
	s.state = StateNegotiating
	s.mu.Unlock()
	s.emitState(StateNegotiating)
	return nil
}

// End hangs up. Safe to call from any state and any number of times; the
// teardown sequence runs exactly once even when a local hangup races a
// remote ended notification.
func (s *Session) End() {
	s.teardown(true, StateEnded, "", nil)
}

// handleSnapshot consumes one full-record snapshot from the signaling
// channel. Deliveries for one subscription are serialized by the channel.
func (s *Session) handleSnapshot(rec models.CallRecord) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	tr := s.transport
	wasLive := s.recordLive
	st := plan(view{
		selfID:            s.selfID,
		remoteDescApplied: s.remoteDescApplied,
		applied:           s.applied,
	}, rec)
	s.mu.Unlock()

	if !wasLive {
		s.markRecordLive()
	}

	if st.remoteEnded {
		s.logger.Info("remote peer ended the call")
		s.teardown(false, StateEnded, "", nil)
		return
	}
	if tr == nil {
		return
	}

	if st.applyDescription != nil {
		if tr.RemoteDescriptionSet() {
			// The transport may silently accept a duplicate; the session owns
			// this guard. A logic error, logged and ignored.
			s.logger.Warn("remote description already set, ignoring", "type", st.applyDescription.Type)
		} else if err := tr.SetRemoteDescription(*st.applyDescription); err != nil {
			s.logger.Error("failed to apply remote description", "type", st.applyDescription.Type, "error", err)
			return
		} else {
			s.mu.Lock()
			s.remoteDescApplied = true
			s.mu.Unlock()

			if st.sendAnswer {
				if err := s.sendAnswer(tr); err != nil {
					if errors.Is(err, signal.ErrCallEnded) {
						// The caller hung up before our answer landed.
						s.teardown(false, StateEnded, "", nil)
						return
					}
					s.fail(FailReasonSignaling, err)
					return
				}
			}
		}
	}

	for _, cand := range st.candidates {
		if err := tr.AddICECandidate(cand); err != nil {
			// Malformed or late candidate: recoverable, skip it.
			s.logger.Warn("failed to apply remote candidate", "error", err)
		}
		s.mu.Lock()
		s.applied[cand.Fingerprint()] = struct{}{}
		s.mu.Unlock()
	}
}

func (s *Session) sendAnswer(tr Transport) error {
	answer, err := tr.CreateAnswer(s.ctx)
	if err != nil {
		return err
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		return err
	}
	// As with the offer, the answer write is the one the call cannot proceed
	// without.
	return s.channel.Update(s.ctx, s.callID, signal.Patch{Answer: &answer})
}

func (s *Session) relayLocalCandidate(cand models.Candidate) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	if !s.recordLive {
		s.pendingLocal = append(s.pendingLocal, cand)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.writeCandidate(cand)
}

func (s *Session) writeCandidate(cand models.Candidate) {
	if err := s.channel.AddCandidate(s.ctx, s.callID, s.selfID, cand); err != nil {
		// Transient write failure: the next candidate write retries the
		// network on its own; nothing to abort here.
		s.logger.Warn("failed to publish local candidate", "error", err)
	}
}

func (s *Session) markRecordLive() {
	s.mu.Lock()
	if s.recordLive {
		s.mu.Unlock()
		return
	}
	s.recordLive = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	s.mu.Unlock()

	for _, cand := range pending {
		s.writeCandidate(cand)
	}
}

// handleRemoteTrack treats remote media arrival as the active signal.
func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	first := s.state != StateActive
	if first {
		s.state = StateActive
	}
	creator := s.caller && s.recordLive
	s.mu.Unlock()

	if first {
		s.logger.Info("remote media arrived")
		s.emitState(StateActive)
		// The creator records the explicit active status; consumers may
		// still infer activity from both descriptions being present.
		if creator {
			status := models.CallStatusActive
			if err := s.channel.Update(s.ctx, s.callID, signal.Patch{Status: &status}); err != nil {
				s.logger.Warn("failed to write active status", "error", err)
			}
		}
	}
	if s.events.OnRemoteTrack != nil {
		s.events.OnRemoteTrack(track)
	}
}

func (s *Session) handleConnState(state webrtc.PeerConnectionState) {
	if state == webrtc.PeerConnectionStateFailed {
		s.fail(FailReasonTransport, errors.New("peer connection failed"))
	}
}

func (s *Session) fail(reason FailReason, err error) {
	s.logger.Error("call failed", "reason", string(reason), "error", err)
	s.teardown(true, StateFailed, reason, err)
}

// teardown is the single exit path: unsubscribe, optionally write the graceful
// ended record, close the transport, release media. Runs exactly once.
func (s *Session) teardown(writeEnded bool, final State, reason FailReason, cause error) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	s.state = StateEnding
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	tr := s.transport
	stream := s.stream
	live := s.recordLive
	s.mu.Unlock()

	s.emitState(StateEnding)

	// Unsubscribe first so no stale snapshot acts on discarded state.
	if unsubscribe != nil {
		unsubscribe()
	}

	if writeEnded && live {
		// The session ctx may already be canceled; the graceful write gets
		// its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), endWriteTimeout)
		status := models.CallStatusEnded
		endedAt := time.Now()
		if err := s.channel.Update(ctx, s.callID, signal.Patch{Status: &status, EndedAt: &endedAt}); err != nil {
			s.logger.Warn("failed to write ended status", "error", err)
		} else if err := s.channel.DeleteFields(ctx, s.callID, signal.FieldOffer, signal.FieldAnswer, signal.FieldCandidates); err != nil {
			s.logger.Warn("failed to clear negotiation fields", "error", err)
		}
		cancel()
	}

	if tr != nil {
		_ = tr.Close()
	}
	stream.Release()
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	s.state = final
	s.applied = make(map[string]struct{})
	s.pendingLocal = nil
	s.mu.Unlock()

	s.emitState(final)
	if final == StateFailed && s.events.OnFailure != nil {
		s.events.OnFailure(reason, cause)
	}
	s.logger.Info("call torn down", "final_state", final.String())
}

func (s *Session) adoptStream(stream *media.LocalStream) {
	s.mu.Lock()
	ending := s.ending
	if !ending {
		s.stream = stream
	}
	s.mu.Unlock()
	if ending {
		stream.Release()
	}
}

func (s *Session) adoptTransport(tr Transport) {
	s.mu.Lock()
	ending := s.ending
	if !ending {
		s.transport = tr
	}
	s.mu.Unlock()
	if ending {
		_ = tr.Close()
	}
}

func (s *Session) emitState(state State) {
	if s.events.OnState != nil {
		s.events.OnState(state)
	}
}
