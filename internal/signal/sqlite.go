package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/avolkov/peercall/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// callRow is the persisted form of a call record. Nested negotiation fields
// are stored as JSON text so the schema stays stable while the wire shapes
// evolve.
type callRow struct {
	CallID       string `gorm:"primaryKey;type:varchar(255)"`
	CreatedBy    string `gorm:"type:varchar(100);not null"`
	Participants string `gorm:"type:text;not null"`
	Offer        string `gorm:"type:text"`
	Answer       string `gorm:"type:text"`
	Candidates   string `gorm:"type:text"`
	Status       string `gorm:"type:varchar(16);not null;index"`
	CreatedAt    time.Time
	EndedAt      time.Time
}

func (callRow) TableName() string { return "calls" }

// OpenDatabase opens the SQLite database and migrates the schema.
func OpenDatabase(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&callRow{}, &models.PushSubscription{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

func saveRecord(db *gorm.DB, rec *models.CallRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (s *Store) loadRecords() error {
	var rows []callRow
	if err := s.db.Find(&rows).Error; err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			s.logger.Warn("skipping unreadable call record", "call_id", rows[i].CallID, "error", err)
			continue
		}
		s.records[rec.CallID] = rec
	}
	return nil
}

func toRow(rec *models.CallRecord) (*callRow, error) {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return nil, err
	}
	row := &callRow{
		CallID:       rec.CallID,
		CreatedBy:    rec.CreatedBy,
		Participants: string(participants),
		Status:       string(rec.Status),
		CreatedAt:    rec.CreatedAt,
		EndedAt:      rec.EndedAt,
	}
	if rec.Offer != nil {
		b, err := json.Marshal(rec.Offer)
		if err != nil {
			return nil, err
		}
		row.Offer = string(b)
	}
	if rec.Answer != nil {
		b, err := json.Marshal(rec.Answer)
		if err != nil {
			return nil, err
		}
		row.Answer = string(b)
	}
	if rec.Candidates != nil {
		b, err := json.Marshal(rec.Candidates)
		if err != nil {
			return nil, err
		}
		row.Candidates = string(b)
	}
	return row, nil
}

func fromRow(row *callRow) (*models.CallRecord, error) {
	rec := &models.CallRecord{
		CallID:    row.CallID,
		CreatedBy: row.CreatedBy,
		Status:    models.CallStatus(row.Status),
		CreatedAt: row.CreatedAt,
		EndedAt:   row.EndedAt,
	}
	if err := json.Unmarshal([]byte(row.Participants), &rec.Participants); err != nil {
		return nil, err
	}
	if row.Offer != "" {
		rec.Offer = &models.SessionDescription{}
		if err := json.Unmarshal([]byte(row.Offer), rec.Offer); err != nil {
			return nil, err
		}
	}
	if row.Answer != "" {
		rec.Answer = &models.SessionDescription{}
		if err := json.Unmarshal([]byte(row.Answer), rec.Answer); err != nil {
			return nil, err
		}
	}
	if row.Candidates != "" {
		if err := json.Unmarshal([]byte(row.Candidates), &rec.Candidates); err != nil {
			return nil, err
		}
	}
	return rec, nil
}
