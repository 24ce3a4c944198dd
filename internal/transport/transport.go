// Package transport wraps one pion PeerConnection per call attempt. It is a
// pure capability object: no session-specific memory, no dedup state; the
// session layer owns those.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/peercall/internal/media"
	"github.com/avolkov/peercall/internal/models"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("transport closed")

// ICEServer is one STUN/TURN endpoint handed to the peer connection.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config parameterizes Open. ConfigureEngine lets a media source register the
// codecs its tracks were encoded with; when nil the default codecs are used.
type Config struct {
	ICEServers      []ICEServer
	ConfigureEngine func(*webrtc.MediaEngine) error
}

// Transport owns a single underlying peer connection. No network I/O happens
// until tracks are added or a description is created.
type Transport struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	onCandidate func(models.Candidate)
	onTrack     func(*webrtc.TrackRemote)
	onState     func(webrtc.PeerConnectionState)
}

// Open builds the pion API (media engine, default interceptors, ICE timeouts)
// and creates the peer connection.
func Open(cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if cfg.ConfigureEngine != nil {
		if err := cfg.ConfigureEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts: the default 5s disconnectedTimeout is too short
	// for relay paths with brief outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &Transport{pc: pc, logger: logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		if fn := t.candidateHandler(); fn != nil {
			fn(fromICEInit(c.ToJSON()))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if fn := t.trackHandler(); fn != nil {
			fn(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state", "state", state.String())
		if fn := t.stateHandler(); fn != nil {
			fn(state)
		}
	})

	return t, nil
}

// OnICECandidate registers the callback fired per locally discovered
// candidate. Register before creating a description or early candidates are
// dropped.
func (t *Transport) OnICECandidate(fn func(models.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

// OnRemoteTrack registers the callback fired when the peer's media arrives.
func (t *Transport) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

// OnStateChange registers the connection-state callback.
func (t *Transport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// AddLocalTracks attaches the stream's tracks for sending. With no local
// tracks, recvonly transceivers are added instead so offers and answers still
// carry valid m-lines with ICE credentials.
func (t *Transport) AddLocalTracks(stream *media.LocalStream) error {
	tracks := stream.Tracks()
	if len(tracks) == 0 {
		return t.addRecvOnlyTransceivers()
	}
	for _, track := range tracks {
		if _, err := t.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}

func (t *Transport) addRecvOnlyTransceivers() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// CreateOffer produces the local offer. Local ICE gathering starts once the
// offer is set as the local description.
func (t *Transport) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	desc, err := t.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return fromSessionDescription(desc), nil
}

// CreateAnswer is valid only after a remote offer has been set.
func (t *Transport) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	desc, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return fromSessionDescription(desc), nil
}

func (t *Transport) SetLocalDescription(desc models.SessionDescription) error {
	if err := t.pc.SetLocalDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

// SetRemoteDescription applies the counterpart's description. The transport
// does not guard against re-application; the session layer owns the
// "already set" check via RemoteDescriptionSet.
func (t *Transport) SetRemoteDescription(desc models.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// RemoteDescriptionSet reports whether a remote description was applied.
func (t *Transport) RemoteDescriptionSet() bool {
	return t.pc.RemoteDescription() != nil
}

// AddICECandidate applies one remote candidate. Malformed or late candidates
// surface as recoverable errors; negotiation continues without them.
func (t *Transport) AddICECandidate(cand models.Candidate) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.pc.AddICECandidate(toICEInit(cand)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close releases all resources. Idempotent; events from a closed transport
// are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.onCandidate = nil
	t.onTrack = nil
	t.onState = nil
	t.mu.Unlock()

	return t.pc.Close()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) candidateHandler() func(models.Candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.onCandidate
}

func (t *Transport) trackHandler() func(*webrtc.TrackRemote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.onTrack
}

func (t *Transport) stateHandler() func(webrtc.PeerConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.onState
}

func fromSessionDescription(desc webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{SDP: desc.SDP, Type: desc.Type.String()}
}

func toSessionDescription(desc models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{SDP: desc.SDP, Type: webrtc.NewSDPType(desc.Type)}
}

func fromICEInit(init webrtc.ICECandidateInit) models.Candidate {
	return models.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func toICEInit(cand models.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
}
