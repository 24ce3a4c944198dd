// Package signal provides the shared call-record channel the negotiation
// protocol runs over: a document keyed by call ID that both peers read,
// merge-patch, and watch for change snapshots.
package signal

import (
	"context"
	"errors"
	"time"

	"github.com/avolkov/peercall/internal/models"
)

var (
	ErrCallNotFound = errors.New("call not found")
	ErrCallExists   = errors.New("call already in progress")
	ErrCallEnded    = errors.New("call already ended")
)

// Field names a deletable top-level field of the call record.
type Field string

const (
	FieldOffer      Field = "offer"
	FieldAnswer     Field = "answer"
	FieldCandidates Field = "candidates"
)

// Patch is a field-scoped merge. Nil pointers leave the field untouched, so
// concurrent writers never clobber each other's fields. Candidate additions
// are union appends keyed by structural equality.
type Patch struct {
	Offer   *models.SessionDescription
	Answer  *models.SessionDescription
	Status  *models.CallStatus
	EndedAt *time.Time
}

// SnapshotFunc receives the full current state of the record on every change.
// Deliveries are snapshots, never diffs; consumers must re-derive what is new.
type SnapshotFunc func(models.CallRecord)

// Channel is the signaling contract both the in-process store and the remote
// HTTP/websocket client satisfy.
type Channel interface {
	// Create writes a fresh record. A live record under the same ID fails
	// with ErrCallExists; an ended record is replaced so the same pair can
	// call again without rotating the ID.
	Create(ctx context.Context, rec models.CallRecord) error

	// Update merge-patches the record.
	Update(ctx context.Context, callID string, patch Patch) error

	// AddCandidate appends one candidate to candidates[participantID],
	// skipping structurally equal duplicates.
	AddCandidate(ctx context.Context, callID, participantID string, cand models.Candidate) error

	// DeleteFields removes the named fields while keeping the record.
	DeleteFields(ctx context.Context, callID string, fields ...Field) error

	// Get returns the current record snapshot.
	Get(ctx context.Context, callID string) (models.CallRecord, error)

	// Subscribe registers fn for change snapshots of callID, starting with
	// the current state if the record exists. The returned cancel func stops
	// delivery and is safe to call more than once.
	Subscribe(callID string, fn SnapshotFunc) (cancel func(), err error)
}
