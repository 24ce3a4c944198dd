package models

import (
	"testing"
	"time"
)

func TestCallIDSymmetric(t *testing.T) {
	a := CallID("alice", "bob")
	b := CallID("bob", "alice")
	if a != b {
		t.Fatalf("expected symmetric call IDs, got %q and %q", a, b)
	}
	if a != "alice_bob" {
		t.Fatalf("expected sorted pair key, got %q", a)
	}
}

func TestCallIDDistinctPairs(t *testing.T) {
	if CallID("alice", "bob") == CallID("alice", "carol") {
		t.Fatal("different pairs must map to different call IDs")
	}
}

func TestCandidateFingerprintStable(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	first := Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", SDPMid: &mid, SDPMLineIndex: &idx}

	mid2 := "0"
	idx2 := uint16(0)
	second := Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", SDPMid: &mid2, SDPMLineIndex: &idx2}

	if first.Fingerprint() != second.Fingerprint() {
		t.Fatal("structurally equal candidates must share a fingerprint")
	}

	third := second
	third.Candidate = "candidate:2 1 udp 1694498815 203.0.113.5 54321 typ srflx"
	if first.Fingerprint() == third.Fingerprint() {
		t.Fatal("different candidates must not share a fingerprint")
	}
}

func TestOtherParticipant(t *testing.T) {
	rec := CallRecord{Participants: []string{"alice", "bob"}}
	if got := rec.OtherParticipant("alice"); got != "bob" {
		t.Fatalf("expected bob, got %q", got)
	}
	if got := rec.OtherParticipant("bob"); got != "alice" {
		t.Fatalf("expected alice, got %q", got)
	}
	if got := rec.OtherParticipant("mallory"); got != "" {
		t.Fatalf("expected empty for non-participant, got %q", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	mid := "0"
	rec := CallRecord{
		CallID:       "alice_bob",
		Participants: []string{"alice", "bob"},
		CreatedBy:    "alice",
		Offer:        &SessionDescription{SDP: "v=0 offer", Type: "offer"},
		Candidates: map[string][]Candidate{
			"alice": {{Candidate: "candidate:1", SDPMid: &mid}},
		},
		Status:    CallStatusPending,
		CreatedAt: time.Unix(1_700_000_000, 0),
	}

	clone := rec.Clone()
	clone.Offer.SDP = "mutated"
	clone.Candidates["alice"][0].Candidate = "mutated"
	clone.Participants[0] = "mutated"

	if rec.Offer.SDP != "v=0 offer" {
		t.Fatal("clone shares the offer with the original")
	}
	if rec.Candidates["alice"][0].Candidate != "candidate:1" {
		t.Fatal("clone shares candidate slices with the original")
	}
	if rec.Participants[0] != "alice" {
		t.Fatal("clone shares the participants slice with the original")
	}
}
