package signal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avolkov/peercall/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

// Store is the in-process Channel implementation backing the HTTP API.
// All state lives in a mutex-guarded map; an optional gorm handle makes
// every mutation write through to SQLite so ended calls survive restarts.
type Store struct {
	mu       sync.Mutex
	records  map[string]*models.CallRecord
	subs     map[string]map[string]*subscriber // callID -> subID -> subscriber
	incoming map[string]map[string]*subscriber // userID -> subID -> subscriber

	nowFn  func() time.Time
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore creates a Store. db may be nil for memory-only operation (tests);
// when set, existing records are loaded back into memory.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		records:  make(map[string]*models.CallRecord),
		subs:     make(map[string]map[string]*subscriber),
		incoming: make(map[string]map[string]*subscriber),
		nowFn:    time.Now,
		db:       db,
		logger:   logger,
	}
	if db != nil {
		if err := s.loadRecords(); err != nil {
			logger.Error("failed to load call records", "error", err)
		}
	}
	return s
}

func (s *Store) Create(ctx context.Context, rec models.CallRecord) error {
	s.mu.Lock()

	if existing, ok := s.records[rec.CallID]; ok && existing.Status != models.CallStatusEnded {
		s.mu.Unlock()
		return ErrCallExists
	}

	// Replacing an ended record resets the negotiation fields atomically,
	// so a re-call between the same pair never sees stale SDP.
	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.nowFn()
	}
	if stored.Status == "" {
		stored.Status = models.CallStatusPending
	}
	stored.EndedAt = time.Time{}
	s.records[rec.CallID] = &stored

	snapshot := stored.Clone()
	callSubs := s.snapshotSubsLocked(rec.CallID)
	calleeSubs := s.incomingSubsLocked(&stored)
	s.mu.Unlock()

	s.persist(&snapshot)
	publish(callSubs, snapshot)
	publish(calleeSubs, snapshot)
	return nil
}

func (s *Store) Update(ctx context.Context, callID string, patch Patch) error {
	s.mu.Lock()
	rec, ok := s.records[callID]
	if !ok {
		s.mu.Unlock()
		return ErrCallNotFound
	}
	// Descriptions on an ended call would feed a dead negotiation. Status
	// and EndedAt stay writable so repeated teardown writes are idempotent.
	if rec.Status == models.CallStatusEnded && (patch.Offer != nil || patch.Answer != nil) {
		s.mu.Unlock()
		return ErrCallEnded
	}

	if patch.Offer != nil {
		offer := *patch.Offer
		rec.Offer = &offer
	}
	if patch.Answer != nil {
		answer := *patch.Answer
		rec.Answer = &answer
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.EndedAt != nil {
		rec.EndedAt = *patch.EndedAt
	}

	snapshot := rec.Clone()
	callSubs := s.snapshotSubsLocked(callID)
	s.mu.Unlock()

	s.persist(&snapshot)
	publish(callSubs, snapshot)
	return nil
}

func (s *Store) AddCandidate(ctx context.Context, callID, participantID string, cand models.Candidate) error {
	s.mu.Lock()
	rec, ok := s.records[callID]
	if !ok {
		s.mu.Unlock()
		return ErrCallNotFound
	}
	if rec.Status == models.CallStatusEnded {
		s.mu.Unlock()
		return ErrCallEnded
	}

	if rec.Candidates == nil {
		rec.Candidates = make(map[string][]models.Candidate)
	}
	fp := cand.Fingerprint()
	for _, existing := range rec.Candidates[participantID] {
		if existing.Fingerprint() == fp {
			// Union semantics: redundant append is a no-op, no notification.
			s.mu.Unlock()
			return nil
		}
	}
	rec.Candidates[participantID] = append(rec.Candidates[participantID], cand)

	snapshot := rec.Clone()
	callSubs := s.snapshotSubsLocked(callID)
	s.mu.Unlock()

	s.persist(&snapshot)
	publish(callSubs, snapshot)
	return nil
}

func (s *Store) DeleteFields(ctx context.Context, callID string, fields ...Field) error {
	s.mu.Lock()
	rec, ok := s.records[callID]
	if !ok {
		s.mu.Unlock()
		return ErrCallNotFound
	}

	for _, f := range fields {
		switch f {
		case FieldOffer:
			rec.Offer = nil
		case FieldAnswer:
			rec.Answer = nil
		case FieldCandidates:
			rec.Candidates = nil
		}
	}

	snapshot := rec.Clone()
	callSubs := s.snapshotSubsLocked(callID)
	s.mu.Unlock()

	s.persist(&snapshot)
	publish(callSubs, snapshot)
	return nil
}

func (s *Store) Get(ctx context.Context, callID string) (models.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callID]
	if !ok {
		return models.CallRecord{}, ErrCallNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Subscribe(callID string, fn SnapshotFunc) (func(), error) {
	sub, err := newSubscriber(fn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	bucket, ok := s.subs[callID]
	if !ok {
		bucket = make(map[string]*subscriber)
		s.subs[callID] = bucket
	}
	bucket[sub.id] = sub

	var initial *models.CallRecord
	if rec, exists := s.records[callID]; exists {
		snapshot := rec.Clone()
		initial = &snapshot
	}
	s.mu.Unlock()

	if initial != nil {
		sub.deliver(*initial)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if bucket, ok := s.subs[callID]; ok {
				delete(bucket, sub.id)
				if len(bucket) == 0 {
					delete(s.subs, callID)
				}
			}
			s.mu.Unlock()
			sub.stop()
		})
	}
	return cancel, nil
}

// SubscribeIncoming registers fn for new call records that name userID as a
// participant other than the creator. Used to surface "incoming call" to a
// connected client without watching every possible call ID.
func (s *Store) SubscribeIncoming(userID string, fn SnapshotFunc) (func(), error) {
	sub, err := newSubscriber(fn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	bucket, ok := s.incoming[userID]
	if !ok {
		bucket = make(map[string]*subscriber)
		s.incoming[userID] = bucket
	}
	bucket[sub.id] = sub
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if bucket, ok := s.incoming[userID]; ok {
				delete(bucket, sub.id)
				if len(bucket) == 0 {
					delete(s.incoming, userID)
				}
			}
			s.mu.Unlock()
			sub.stop()
		})
	}
	return cancel, nil
}

func (s *Store) snapshotSubsLocked(callID string) []*subscriber {
	bucket := s.subs[callID]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]*subscriber, 0, len(bucket))
	for _, sub := range bucket {
		out = append(out, sub)
	}
	return out
}

func (s *Store) incomingSubsLocked(rec *models.CallRecord) []*subscriber {
	var out []*subscriber
	for _, p := range rec.Participants {
		if p == rec.CreatedBy {
			continue
		}
		for _, sub := range s.incoming[p] {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Store) persist(rec *models.CallRecord) {
	if s.db == nil {
		return
	}
	if err := saveRecord(s.db, rec); err != nil {
		// Persistence is best effort; the in-memory state stays authoritative.
		s.logger.Error("failed to persist call record", "call_id", rec.CallID, "error", err)
	}
}

func publish(subs []*subscriber, snapshot models.CallRecord) {
	for _, sub := range subs {
		sub.deliver(snapshot)
	}
}

// subscriber delivers snapshots to one callback in order, coalescing to the
// newest snapshot when the consumer falls behind. Coalescing is safe because
// every delivery is the full record state.
type subscriber struct {
	id string
	fn SnapshotFunc

	mu      sync.Mutex
	pending *models.CallRecord
	wake    chan struct{}
	done    chan struct{}
}

func newSubscriber(fn SnapshotFunc) (*subscriber, error) {
	id, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}
	sub := &subscriber{
		id:   id,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

func (sub *subscriber) deliver(snapshot models.CallRecord) {
	sub.mu.Lock()
	sub.pending = &snapshot
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		// Canceled subscribers must not observe stale snapshots.
		select {
		case <-sub.done:
			return
		default:
		}

		sub.mu.Lock()
		snapshot := sub.pending
		sub.pending = nil
		sub.mu.Unlock()

		if snapshot != nil {
			sub.fn(*snapshot)
		}
	}
}

func (sub *subscriber) stop() {
	close(sub.done)
}
