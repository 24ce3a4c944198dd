package session

import (
	"testing"

	"github.com/avolkov/peercall/internal/models"
)

func planTestRecord() models.CallRecord {
	return models.CallRecord{
		CallID:       models.CallID("alice", "bob"),
		Participants: []string{"alice", "bob"},
		CreatedBy:    "alice",
		Status:       models.CallStatusPending,
	}
}

func TestPlanCreatorIgnoresOwnOffer(t *testing.T) {
	rec := planTestRecord()
	rec.Offer = &models.SessionDescription{SDP: "v=0 offer", Type: "offer"}

	st := plan(view{selfID: "alice", applied: map[string]struct{}{}}, rec)
	if st.applyDescription != nil {
		t.Fatal("creator must not apply its own offer")
	}
	if st.sendAnswer {
		t.Fatal("creator must never answer")
	}
}

func TestPlanCreatorConsumesAnswer(t *testing.T) {
	rec := planTestRecord()
	rec.Offer = &models.SessionDescription{SDP: "v=0 offer", Type: "offer"}
	rec.Answer = &models.SessionDescription{SDP: "v=0 answer", Type: "answer"}

	st := plan(view{selfID: "alice", applied: map[string]struct{}{}}, rec)
	if st.applyDescription == nil || st.applyDescription.Type != "answer" {
		t.Fatalf("creator must apply the answer, got %+v", st.applyDescription)
	}
	if st.sendAnswer {
		t.Fatal("creator must never answer")
	}
}

func TestPlanCalleeConsumesOfferAndAnswers(t *testing.T) {
	rec := planTestRecord()
	rec.Offer = &models.SessionDescription{SDP: "v=0 offer", Type: "offer"}

	st := plan(view{selfID: "bob", applied: map[string]struct{}{}}, rec)
	if st.applyDescription == nil || st.applyDescription.Type != "offer" {
		t.Fatalf("callee must apply the offer, got %+v", st.applyDescription)
	}
	if !st.sendAnswer {
		t.Fatal("callee must answer after applying the offer")
	}
}

func TestPlanDescriptionAppliedAtMostOnce(t *testing.T) {
	rec := planTestRecord()
	rec.Offer = &models.SessionDescription{SDP: "v=0 offer", Type: "offer"}
	rec.Answer = &models.SessionDescription{SDP: "v=0 answer", Type: "answer"}

	st := plan(view{selfID: "alice", remoteDescApplied: true, applied: map[string]struct{}{}}, rec)
	if st.applyDescription != nil {
		t.Fatal("a second snapshot with the same answer must not re-apply it")
	}
}

func TestPlanWithholdsCandidatesBeforeDescription(t *testing.T) {
	rec := planTestRecord()
	rec.Candidates = map[string][]models.Candidate{
		"bob": {{Candidate: "candidate:1"}},
	}

	st := plan(view{selfID: "alice", applied: map[string]struct{}{}}, rec)
	if len(st.candidates) != 0 {
		t.Fatal("candidates must wait for a remote description")
	}
}

func TestPlanDeliversCandidatesWithDescription(t *testing.T) {
	rec := planTestRecord()
	rec.Answer = &models.SessionDescription{SDP: "v=0 answer", Type: "answer"}
	rec.Candidates = map[string][]models.Candidate{
		"bob":   {{Candidate: "candidate:1"}, {Candidate: "candidate:2"}},
		"alice": {{Candidate: "candidate:3"}},
	}

	st := plan(view{selfID: "alice", applied: map[string]struct{}{}}, rec)
	if st.applyDescription == nil {
		t.Fatal("expected the answer to be applied")
	}
	if len(st.candidates) != 2 {
		t.Fatalf("expected 2 remote candidates, got %d", len(st.candidates))
	}
	for _, cand := range st.candidates {
		if cand.Candidate == "candidate:3" {
			t.Fatal("own candidates must never be applied locally")
		}
	}
}

func TestPlanSkipsAppliedCandidates(t *testing.T) {
	first := models.Candidate{Candidate: "candidate:1"}
	rec := planTestRecord()
	rec.Answer = &models.SessionDescription{SDP: "v=0 answer", Type: "answer"}
	rec.Candidates = map[string][]models.Candidate{
		"bob": {first, {Candidate: "candidate:2"}},
	}

	v := view{
		selfID:            "alice",
		remoteDescApplied: true,
		applied:           map[string]struct{}{first.Fingerprint(): {}},
	}
	st := plan(v, rec)
	if len(st.candidates) != 1 || st.candidates[0].Candidate != "candidate:2" {
		t.Fatalf("expected only the new candidate, got %+v", st.candidates)
	}
}

func TestPlanEndedShortCircuits(t *testing.T) {
	rec := planTestRecord()
	rec.Status = models.CallStatusEnded
	rec.Answer = &models.SessionDescription{SDP: "v=0 answer", Type: "answer"}
	rec.Candidates = map[string][]models.Candidate{
		"bob": {{Candidate: "candidate:1"}},
	}

	st := plan(view{selfID: "alice", applied: map[string]struct{}{}}, rec)
	if !st.remoteEnded {
		t.Fatal("ended status must be reported")
	}
	if st.applyDescription != nil || len(st.candidates) != 0 {
		t.Fatal("nothing else may be planned on an ended record")
	}
}
