package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// CallStatus is the lifecycle state of a shared call record.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallStatusPending CallStatus = "pending"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// SessionDescription carries one side of the SDP exchange. Offer and answer
// are written once each and never replaced (no renegotiation).
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"` // "offer" or "answer"
}

// Candidate mirrors RTCIceCandidateInit so browser peers and native peers
// share one wire shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Fingerprint returns a stable serialization of the candidate used for
// structural-equality dedup. Field order is fixed by the struct definition,
// so two equal candidates always produce the same bytes.
func (c Candidate) Fingerprint() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// CallRecord is the shared negotiation document for one call between two
// participants. Both sides write to it concurrently, each to its own fields:
// offer and candidates[creator] by the caller, answer and candidates[callee]
// by the callee. Status may be set to ended by either side.
type CallRecord struct {
	CallID       string                 `json:"call_id"`
	Participants []string               `json:"participants"`
	CreatedBy    string                 `json:"created_by"`
	Offer        *SessionDescription    `json:"offer,omitempty"`
	Answer       *SessionDescription    `json:"answer,omitempty"`
	Candidates   map[string][]Candidate `json:"candidates,omitempty"`
	Status       CallStatus             `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	EndedAt      time.Time              `json:"ended_at,omitempty"`
}

// CallID derives the shared record key from the two participant identities.
// The pair is sorted first so both peers address the same record without a
// rendezvous step, whoever dials.
func CallID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// OtherParticipant returns the participant that is not selfID, or "" if
// selfID is not part of the call.
func (r *CallRecord) OtherParticipant(selfID string) string {
	for _, p := range r.Participants {
		if p != selfID {
			return p
		}
	}
	return ""
}

// HasParticipant reports whether id is one of the two participants.
func (r *CallRecord) HasParticipant(id string) bool {
	for _, p := range r.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Subscribers receive clones so a snapshot can
// never alias store-internal state.
func (r *CallRecord) Clone() CallRecord {
	out := *r
	out.Participants = append([]string(nil), r.Participants...)
	if r.Offer != nil {
		offer := *r.Offer
		out.Offer = &offer
	}
	if r.Answer != nil {
		answer := *r.Answer
		out.Answer = &answer
	}
	if r.Candidates != nil {
		out.Candidates = make(map[string][]Candidate, len(r.Candidates))
		for id, list := range r.Candidates {
			out.Candidates[id] = append([]Candidate(nil), list...)
		}
	}
	return out
}
