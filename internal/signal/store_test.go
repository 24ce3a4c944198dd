package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avolkov/peercall/internal/models"
)

func newTestRecord(createdAt time.Time) models.CallRecord {
	return models.CallRecord{
		CallID:       models.CallID("alice", "bob"),
		Participants: []string{"alice", "bob"},
		CreatedBy:    "alice",
		Offer:        &models.SessionDescription{SDP: "v=0 offer", Type: "offer"},
		Status:       models.CallStatusPending,
		CreatedAt:    createdAt,
	}
}

// waitSnapshot receives snapshots until cond holds. Deliveries coalesce to the
// newest state, so intermediate snapshots may never arrive.
func waitSnapshot(t *testing.T, ch <-chan models.CallRecord, cond func(models.CallRecord) bool) models.CallRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case rec := <-ch:
			if cond(rec) {
				return rec
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return models.CallRecord{}
		}
	}
}

func TestCreateRejectsLiveRecord(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	if err := store.Create(ctx, newTestRecord(base)); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if err := store.Create(ctx, newTestRecord(base.Add(time.Second))); !errors.Is(err, ErrCallExists) {
		t.Fatalf("expected ErrCallExists for live record, got %v", err)
	}
}

func TestCreateReplacesEndedRecord(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_100_000, 0)

	rec := newTestRecord(base)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ended := models.CallStatusEnded
	endedAt := base.Add(time.Minute)
	if err := store.Update(ctx, rec.CallID, Patch{Status: &ended, EndedAt: &endedAt}); err != nil {
		t.Fatalf("end update failed: %v", err)
	}

	// The same pair calls again: old negotiation state must be gone.
	fresh := newTestRecord(base.Add(2 * time.Minute))
	fresh.CreatedBy = "bob"
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("re-create after end failed: %v", err)
	}

	got, err := store.Get(ctx, rec.CallID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.CallStatusPending {
		t.Fatalf("expected pending status, got %s", got.Status)
	}
	if got.CreatedBy != "bob" {
		t.Fatalf("expected new creator, got %s", got.CreatedBy)
	}
	if got.Answer != nil || !got.EndedAt.IsZero() {
		t.Fatal("replaced record still carries stale fields")
	}
}

func TestUpdateMergesOnlyPresentFields(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_200_000, 0)

	rec := newTestRecord(base)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	answer := models.SessionDescription{SDP: "v=0 answer", Type: "answer"}
	if err := store.Update(ctx, rec.CallID, Patch{Answer: &answer}); err != nil {
		t.Fatalf("answer update failed: %v", err)
	}

	got, _ := store.Get(ctx, rec.CallID)
	if got.Offer == nil || got.Offer.SDP != "v=0 offer" {
		t.Fatal("answer patch clobbered the offer")
	}
	if got.Answer == nil || got.Answer.SDP != "v=0 answer" {
		t.Fatal("answer patch not applied")
	}
	if got.Status != models.CallStatusPending {
		t.Fatalf("status changed unexpectedly: %s", got.Status)
	}
}

func TestAddCandidateDeduplicates(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_300_000, 0)

	rec := newTestRecord(base)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	mid := "0"
	cand := models.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", SDPMid: &mid}
	for i := 0; i < 3; i++ {
		if err := store.AddCandidate(ctx, rec.CallID, "alice", cand); err != nil {
			t.Fatalf("add candidate %d failed: %v", i, err)
		}
	}
	other := cand
	other.Candidate = "candidate:2 1 udp 1694498815 203.0.113.5 54321 typ srflx"
	if err := store.AddCandidate(ctx, rec.CallID, "alice", other); err != nil {
		t.Fatalf("add second candidate failed: %v", err)
	}

	got, _ := store.Get(ctx, rec.CallID)
	if len(got.Candidates["alice"]) != 2 {
		t.Fatalf("expected 2 unique candidates, got %d", len(got.Candidates["alice"]))
	}
}

func TestDeleteFieldsKeepsRecord(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_400_000, 0)

	rec := newTestRecord(base)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	answer := models.SessionDescription{SDP: "v=0 answer", Type: "answer"}
	if err := store.Update(ctx, rec.CallID, Patch{Answer: &answer}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.AddCandidate(ctx, rec.CallID, "bob", models.Candidate{Candidate: "candidate:1"}); err != nil {
		t.Fatalf("add candidate failed: %v", err)
	}

	if err := store.DeleteFields(ctx, rec.CallID, FieldOffer, FieldAnswer, FieldCandidates); err != nil {
		t.Fatalf("delete fields failed: %v", err)
	}

	got, err := store.Get(ctx, rec.CallID)
	if err != nil {
		t.Fatalf("record must survive field deletion: %v", err)
	}
	if got.Offer != nil || got.Answer != nil || got.Candidates != nil {
		t.Fatal("deleted fields still present")
	}
}

func TestSubscribeDeliversInitialAndUpdates(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_500_000, 0)

	rec := newTestRecord(base)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	snapshots := make(chan models.CallRecord, 16)
	cancel, err := store.Subscribe(rec.CallID, func(r models.CallRecord) {
		snapshots <- r
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	waitSnapshot(t, snapshots, func(r models.CallRecord) bool {
		return r.Offer != nil && r.Answer == nil
	})

	answer := models.SessionDescription{SDP: "v=0 answer", Type: "answer"}
	if err := store.Update(ctx, rec.CallID, Patch{Answer: &answer}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got := waitSnapshot(t, snapshots, func(r models.CallRecord) bool {
		return r.Answer != nil
	})
	if got.Offer == nil {
		t.Fatal("snapshot must carry full state, not a diff")
	}
}

func TestDuplicateCandidateDoesNotNotify(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_600_000, 0)

	rec := newTestRecord(base)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	cand := models.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host"}
	if err := store.AddCandidate(ctx, rec.CallID, "alice", cand); err != nil {
		t.Fatalf("add candidate failed: %v", err)
	}

	snapshots := make(chan models.CallRecord, 16)
	cancel, err := store.Subscribe(rec.CallID, func(r models.CallRecord) {
		snapshots <- r
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	waitSnapshot(t, snapshots, func(r models.CallRecord) bool {
		return len(r.Candidates["alice"]) == 1
	})

	if err := store.AddCandidate(ctx, rec.CallID, "alice", cand); err != nil {
		t.Fatalf("duplicate add failed: %v", err)
	}

	select {
	case r := <-snapshots:
		t.Fatalf("duplicate candidate must not notify, got snapshot with %d candidates", len(r.Candidates["alice"]))
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeIncomingFiresForCallee(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_700_000, 0)

	bobCalls := make(chan models.CallRecord, 4)
	cancelBob, err := store.SubscribeIncoming("bob", func(r models.CallRecord) {
		bobCalls <- r
	})
	if err != nil {
		t.Fatalf("subscribe incoming failed: %v", err)
	}
	defer cancelBob()

	aliceCalls := make(chan models.CallRecord, 4)
	cancelAlice, err := store.SubscribeIncoming("alice", func(r models.CallRecord) {
		aliceCalls <- r
	})
	if err != nil {
		t.Fatalf("subscribe incoming failed: %v", err)
	}
	defer cancelAlice()

	if err := store.Create(ctx, newTestRecord(base)); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got := waitSnapshot(t, bobCalls, func(r models.CallRecord) bool {
		return r.CreatedBy == "alice"
	})
	if got.CallID != models.CallID("alice", "bob") {
		t.Fatalf("unexpected call ID %s", got.CallID)
	}

	// The creator is not notified about their own call.
	select {
	case r := <-aliceCalls:
		t.Fatalf("creator must not receive incoming-call, got %s", r.CallID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCanceledSubscriberStopsReceiving(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_800_000, 0)

	rec := newTestRecord(base)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	snapshots := make(chan models.CallRecord, 16)
	cancel, err := store.Subscribe(rec.CallID, func(r models.CallRecord) {
		snapshots <- r
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	waitSnapshot(t, snapshots, func(models.CallRecord) bool { return true })

	cancel()
	cancel() // safe to call twice

	answer := models.SessionDescription{SDP: "v=0 answer", Type: "answer"}
	if err := store.Update(ctx, rec.CallID, Patch{Answer: &answer}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	select {
	case <-snapshots:
		t.Fatal("canceled subscriber received a snapshot")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndedRecordRejectsNegotiationWrites(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_900_000, 0)

	rec := newTestRecord(base)
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ended := models.CallStatusEnded
	endedAt := base.Add(time.Minute)
	if err := store.Update(ctx, rec.CallID, Patch{Status: &ended, EndedAt: &endedAt}); err != nil {
		t.Fatalf("end update failed: %v", err)
	}

	answer := models.SessionDescription{SDP: "v=0 late answer", Type: "answer"}
	if err := store.Update(ctx, rec.CallID, Patch{Answer: &answer}); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded for late answer, got %v", err)
	}
	cand := models.Candidate{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host"}
	if err := store.AddCandidate(ctx, rec.CallID, "bob", cand); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded for late candidate, got %v", err)
	}

	// Repeating the teardown write and cleaning up fields must stay legal.
	if err := store.Update(ctx, rec.CallID, Patch{Status: &ended, EndedAt: &endedAt}); err != nil {
		t.Fatalf("repeated end update failed: %v", err)
	}
	if err := store.DeleteFields(ctx, rec.CallID, FieldOffer, FieldAnswer, FieldCandidates); err != nil {
		t.Fatalf("delete fields after end failed: %v", err)
	}

	got, _ := store.Get(ctx, rec.CallID)
	if got.Answer != nil {
		t.Fatal("late answer reached the ended record")
	}
	if got.Status != models.CallStatusEnded {
		t.Fatalf("status changed unexpectedly: %s", got.Status)
	}
}
