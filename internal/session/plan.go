package session

import "github.com/avolkov/peercall/internal/models"

// view is the session-local negotiation state the planner reads. Keeping the
// planner a pure function of (view, snapshot) makes every interleaving of
// snapshot deliveries testable without a transport or a network.
type view struct {
	selfID            string
	remoteDescApplied bool
	applied           map[string]struct{} // candidate fingerprints already applied
}

// steps are the side effects one snapshot calls for. Every delivery is the
// full record state, so steps are re-derived from scratch each time; the
// dedup state in view is what makes redundant deliveries idempotent.
type steps struct {
	remoteEnded      bool
	applyDescription *models.SessionDescription
	sendAnswer       bool
	candidates       []models.Candidate
}

// plan decides what to do with one snapshot. Role is derived from the record
// itself: the creator consumes only the answer, the counterpart consumes only
// the offer. Remote candidates are withheld until a remote description is
// (about to be) applied, because the transport rejects candidates that arrive
// first.
func plan(v view, rec models.CallRecord) steps {
	var st steps

	if rec.Status == models.CallStatusEnded {
		st.remoteEnded = true
		return st
	}

	creator := rec.CreatedBy == v.selfID
	if !v.remoteDescApplied {
		switch {
		case creator && rec.Answer != nil:
			answer := *rec.Answer
			st.applyDescription = &answer
		case !creator && rec.Offer != nil:
			offer := *rec.Offer
			st.applyDescription = &offer
			st.sendAnswer = true
		}
	}

	if !v.remoteDescApplied && st.applyDescription == nil {
		// No remote description yet: candidates stay in the record and will
		// be re-planned from a later snapshot.
		return st
	}

	remoteID := rec.OtherParticipant(v.selfID)
	if remoteID == "" {
		return st
	}
	for _, cand := range rec.Candidates[remoteID] {
		if _, done := v.applied[cand.Fingerprint()]; done {
			continue
		}
		st.candidates = append(st.candidates, cand)
	}
	return st
}
