package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avolkov/peercall/internal/media"
	"github.com/avolkov/peercall/internal/models"
	"github.com/avolkov/peercall/internal/signal"

	"github.com/pion/webrtc/v4"
)

type fakeSource struct {
	mu       sync.Mutex
	err      error
	released int
}

func (f *fakeSource) Acquire(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return media.NewLocalStream(nil, func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}), nil
}

func (f *fakeSource) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// fakeTransport answers with canned descriptions and records everything the
// session feeds it.
type fakeTransport struct {
	name string

	mu          sync.Mutex
	localDescs  []models.SessionDescription
	remoteDesc  *models.SessionDescription
	candidates  []models.Candidate
	onCandidate func(models.Candidate)
	onTrack     func(*webrtc.TrackRemote)
	onState     func(webrtc.PeerConnectionState)
	closed      int
}

func (f *fakeTransport) AddLocalTracks(stream *media.LocalStream) error { return nil }

func (f *fakeTransport) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	return models.SessionDescription{SDP: "v=0 offer " + f.name, Type: "offer"}, nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	return models.SessionDescription{SDP: "v=0 answer " + f.name, Type: "answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc models.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDescs = append(f.localDescs, desc)
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc models.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &desc
	return nil
}

func (f *fakeTransport) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc != nil
}

func (f *fakeTransport) AddICECandidate(cand models.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(models.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) remote() *models.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakeTransport) appliedCandidates() []models.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Candidate(nil), f.candidates...)
}

func (f *fakeTransport) emitCandidate(cand models.Candidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func factoryFor(tr *fakeTransport) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		return tr, nil
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCallNegotiationEndToEnd(t *testing.T) {
	store := signal.NewStore(nil, nil)
	ctx := context.Background()

	aliceTr := &fakeTransport{name: "alice"}
	alice := New(Config{
		SelfID:       "alice",
		PeerID:       "bob",
		Channel:      store,
		Media:        &fakeSource{},
		NewTransport: factoryFor(aliceTr),
	})

	if err := alice.Start(ctx); err != nil {
		t.Fatalf("caller start failed: %v", err)
	}
	if alice.State() != StateNegotiating {
		t.Fatalf("expected negotiating after start, got %s", alice.State())
	}

	rec, err := store.Get(ctx, alice.CallID())
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if rec.CreatedBy != "alice" || rec.Offer == nil {
		t.Fatalf("record missing creator or offer: %+v", rec)
	}
	if rec.Status != models.CallStatusPending {
		t.Fatalf("expected pending record, got %s", rec.Status)
	}

	bobTr := &fakeTransport{name: "bob"}
	bob := New(Config{
		SelfID:       "bob",
		PeerID:       "alice",
		Channel:      store,
		Media:        &fakeSource{},
		NewTransport: factoryFor(bobTr),
	})
	if bob.CallID() != alice.CallID() {
		t.Fatalf("pair must share one call ID: %s vs %s", bob.CallID(), alice.CallID())
	}

	if err := bob.Answer(ctx); err != nil {
		t.Fatalf("callee answer failed: %v", err)
	}

	// Callee consumes the offer and publishes its answer.
	eventually(t, func() bool {
		desc := bobTr.remote()
		return desc != nil && desc.Type == "offer"
	}, "callee never applied the offer")

	// Caller consumes the answer from the snapshot stream.
	eventually(t, func() bool {
		desc := aliceTr.remote()
		return desc != nil && desc.Type == "answer"
	}, "caller never applied the answer")

	// Trickled candidates cross over to the counterpart only.
	aliceTr.emitCandidate(models.Candidate{Candidate: "candidate:alice-1"})
	bobTr.emitCandidate(models.Candidate{Candidate: "candidate:bob-1"})

	eventually(t, func() bool {
		cands := bobTr.appliedCandidates()
		return len(cands) == 1 && cands[0].Candidate == "candidate:alice-1"
	}, "callee never received the caller candidate")
	eventually(t, func() bool {
		cands := aliceTr.appliedCandidates()
		return len(cands) == 1 && cands[0].Candidate == "candidate:bob-1"
	}, "caller never received the callee candidate")

	// Local hangup writes the graceful ended record and clears negotiation
	// payload; the remote side tears down from the snapshot without writing.
	alice.End()

	if alice.State() != StateEnded {
		t.Fatalf("caller should be ended, got %s", alice.State())
	}
	eventually(t, func() bool {
		return bob.State() == StateEnded
	}, "callee never observed the remote hangup")

	got, err := store.Get(ctx, alice.CallID())
	if err != nil {
		t.Fatalf("ended record must survive: %v", err)
	}
	if got.Status != models.CallStatusEnded || got.EndedAt.IsZero() {
		t.Fatalf("expected ended record with timestamp, got %+v", got)
	}
	if got.Offer != nil || got.Answer != nil || got.Candidates != nil {
		t.Fatal("negotiation fields must be cleared on hangup")
	}

	if aliceTr.closeCount() != 1 {
		t.Fatalf("caller transport closed %d times", aliceTr.closeCount())
	}
	eventually(t, func() bool {
		return bobTr.closeCount() == 1
	}, "callee transport never closed")
}

func TestRemoteTrackMarksActive(t *testing.T) {
	store := signal.NewStore(nil, nil)
	ctx := context.Background()

	tr := &fakeTransport{name: "alice"}
	sess := New(Config{
		SelfID:       "alice",
		PeerID:       "bob",
		Channel:      store,
		Media:        &fakeSource{},
		NewTransport: factoryFor(tr),
	})
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	tr.mu.Lock()
	onTrack := tr.onTrack
	tr.mu.Unlock()
	if onTrack == nil {
		t.Fatal("track handler not registered")
	}
	onTrack(nil)

	if sess.State() != StateActive {
		t.Fatalf("expected active after remote media, got %s", sess.State())
	}

	// The creator records the explicit active status on the shared record.
	eventually(t, func() bool {
		rec, err := store.Get(ctx, sess.CallID())
		return err == nil && rec.Status == models.CallStatusActive
	}, "active status never written")

	sess.End()
}

func TestMediaFailureBeforeRecord(t *testing.T) {
	store := signal.NewStore(nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var gotReason FailReason
	sess := New(Config{
		SelfID:  "alice",
		PeerID:  "bob",
		Channel: store,
		Media:   &fakeSource{err: media.ErrMediaAccess},
		NewTransport: func(ctx context.Context) (Transport, error) {
			t.Fatal("transport must not be opened without media")
			return nil, nil
		},
		Events: Events{
			OnFailure: func(reason FailReason, err error) {
				mu.Lock()
				gotReason = reason
				mu.Unlock()
			},
		},
	})

	if err := sess.Start(ctx); !errors.Is(err, media.ErrMediaAccess) {
		t.Fatalf("expected media access error, got %v", err)
	}
	if sess.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", sess.State())
	}

	mu.Lock()
	reason := gotReason
	mu.Unlock()
	if reason != FailReasonMedia {
		t.Fatalf("expected media failure reason, got %q", reason)
	}

	// The record was never created, so failure must not write one.
	if _, err := store.Get(ctx, sess.CallID()); !errors.Is(err, signal.ErrCallNotFound) {
		t.Fatalf("failed session must not leave a record, got %v", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	store := signal.NewStore(nil, nil)
	ctx := context.Background()

	tr := &fakeTransport{name: "alice"}
	source := &fakeSource{}
	sess := New(Config{
		SelfID:       "alice",
		PeerID:       "bob",
		Channel:      store,
		Media:        source,
		NewTransport: factoryFor(tr),
	})
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.End()
		}()
	}
	wg.Wait()

	if sess.State() != StateEnded {
		t.Fatalf("expected ended, got %s", sess.State())
	}
	if tr.closeCount() != 1 {
		t.Fatalf("transport closed %d times, want 1", tr.closeCount())
	}
	if source.releaseCount() != 1 {
		t.Fatalf("stream released %d times, want 1", source.releaseCount())
	}
}

func TestStartTwiceFails(t *testing.T) {
	store := signal.NewStore(nil, nil)
	ctx := context.Background()

	tr := &fakeTransport{name: "alice"}
	sess := New(Config{
		SelfID:       "alice",
		PeerID:       "bob",
		Channel:      store,
		Media:        &fakeSource{},
		NewTransport: factoryFor(tr),
	})
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer sess.End()

	if err := sess.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestCandidatesBufferedUntilRecordExists(t *testing.T) {
	store := signal.NewStore(nil, nil)
	ctx := context.Background()

	aliceTr := &fakeTransport{name: "alice"}
	alice := New(Config{
		SelfID:       "alice",
		PeerID:       "bob",
		Channel:      store,
		Media:        &fakeSource{},
		NewTransport: factoryFor(aliceTr),
	})
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("caller start failed: %v", err)
	}
	defer alice.End()

	// The callee side starts before any record exists: its early candidates
	// must be buffered, then flushed once the caller creates the record.
	// Simulate by answering first on a fresh pair.
	carolTr := &fakeTransport{name: "carol"}
	carol := New(Config{
		SelfID:       "carol",
		PeerID:       "dave",
		Channel:      store,
		Media:        &fakeSource{},
		NewTransport: factoryFor(carolTr),
	})
	if err := carol.Answer(ctx); err != nil {
		t.Fatalf("early answer failed: %v", err)
	}
	defer carol.End()

	carolTr.emitCandidate(models.Candidate{Candidate: "candidate:carol-early"})

	// No record yet, so nothing may be written.
	if _, err := store.Get(ctx, carol.CallID()); !errors.Is(err, signal.ErrCallNotFound) {
		t.Fatalf("expected no record yet, got %v", err)
	}

	// Dave places the call; carol's buffered candidate must surface.
	daveTr := &fakeTransport{name: "dave"}
	dave := New(Config{
		SelfID:       "dave",
		PeerID:       "carol",
		Channel:      store,
		Media:        &fakeSource{},
		NewTransport: factoryFor(daveTr),
	})
	if err := dave.Start(ctx); err != nil {
		t.Fatalf("dave start failed: %v", err)
	}
	defer dave.End()

	eventually(t, func() bool {
		rec, err := store.Get(ctx, carol.CallID())
		return err == nil && len(rec.Candidates["carol"]) == 1
	}, "buffered candidate never flushed to the record")
}

func TestEndRacesRemoteEnded(t *testing.T) {
	store := signal.NewStore(nil, nil)
	ctx := context.Background()

	tr := &fakeTransport{name: "alice"}
	source := &fakeSource{}
	sess := New(Config{
		SelfID:       "alice",
		PeerID:       "bob",
		Channel:      store,
		Media:        source,
		NewTransport: factoryFor(tr),
	})
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// The peer hangs up at the same moment as the local user. Whichever
	// side wins, teardown must run exactly once.
	ended := models.CallStatusEnded
	endedAt := time.Unix(1_701_000_000, 0)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := store.Update(ctx, sess.CallID(), signal.Patch{Status: &ended, EndedAt: &endedAt}); err != nil {
			t.Errorf("remote end update failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		sess.End()
	}()
	wg.Wait()

	eventually(t, func() bool {
		return sess.State() == StateEnded
	}, "session never reached ended")
	if tr.closeCount() != 1 {
		t.Fatalf("transport closed %d times, want 1", tr.closeCount())
	}
	if source.releaseCount() != 1 {
		t.Fatalf("stream released %d times, want 1", source.releaseCount())
	}
}
