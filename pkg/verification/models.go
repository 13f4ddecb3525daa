package verification

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/decentid/identity-bridge/pkg/store"
)

// Record is the GORM model for a verification record.
//
// ActiveKey carries the subject reference while the record is non-terminal
// and is cleared when it becomes terminal; the unique index on it is what
// enforces at most one outstanding verification per subject.
type Record struct {
	ID          string        `gorm:"primaryKey;column:id;type:varchar(36)"`
	SubjectRef  string        `gorm:"column:subject_ref;index:idx_verif_subject;not null"`
	Provider    string        `gorm:"column:provider;not null"`
	Status      Status        `gorm:"column:status;not null;default:pending"`
	Evidence    store.JSONAny `gorm:"column:evidence;type:text"`
	Metadata    store.JSONAny `gorm:"column:metadata;type:text"`
	ActiveKey   *string       `gorm:"column:active_key;uniqueIndex:idx_verif_active"`
	CreatedAt   time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time     `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt *time.Time    `gorm:"column:completed_at"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "verification_records" }

// Store provides database operations for verification records.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new verification record store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the verification_records table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Record{})
}

// Create inserts a new non-terminal record for a subject. Returns
// ErrVerificationInProgress if the subject already has one outstanding.
func (s *Store) Create(record *Record) error {
	key := record.SubjectRef
	record.ActiveKey = &key
	created, err := store.CreateIfAbsent(s.db, record)
	if err != nil {
		return fmt.Errorf("create verification record: %w", err)
	}
	if !created {
		return ErrVerificationInProgress
	}
	return nil
}

// Get retrieves a record by ID. Returns ErrRecordNotFound if absent.
func (s *Store) Get(id string) (*Record, error) {
	var record Record
	err := s.db.Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get verification record: %w", err)
	}
	return &record, nil
}

// ActiveForSubject returns the subject's outstanding non-terminal record,
// or ErrRecordNotFound when there is none.
func (s *Store) ActiveForSubject(subjectRef string) (*Record, error) {
	var record Record
	err := s.db.Where("active_key = ?", subjectRef).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get active verification record: %w", err)
	}
	return &record, nil
}

// LatestForSubject returns the subject's most recent record regardless of
// status, or ErrRecordNotFound.
func (s *Store) LatestForSubject(subjectRef string) (*Record, error) {
	var record Record
	err := s.db.Where("subject_ref = ?", subjectRef).Order("created_at DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get latest verification record: %w", err)
	}
	return &record, nil
}

// MarkInProgress transitions a pending record to in_progress.
func (s *Store) MarkInProgress(id string) error {
	return s.transition(id, StatusInProgress, nil)
}

// Finalize moves a record to a terminal status and clears its active key.
// Returns ErrRecordTerminal if the record is already terminal.
func (s *Store) Finalize(id string, status Status, metadata map[string]any) (*Record, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finalize verification record: %q is not a terminal status", status)
	}
	if err := s.transition(id, status, metadata); err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Abandon clears the active key of a non-terminal record without assigning
// a terminal status, so the subject is free to start over after a provider
// failure. The record itself stays as an audit artifact.
func (s *Store) Abandon(id string, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var record Record
		if err := tx.Where("id = ?", id).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return fmt.Errorf("load verification record: %w", err)
		}
		if record.Status.Terminal() {
			return ErrRecordTerminal
		}
		updates := map[string]any{"active_key": nil}
		if reason != "" {
			md := record.Metadata
			if md == nil {
				md = store.JSONAny{}
			}
			md["abandoned"] = reason
			updates["metadata"] = md
		}
		if err := tx.Model(&Record{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("abandon verification record: %w", err)
		}
		return nil
	})
}

func (s *Store) transition(id string, status Status, metadata map[string]any) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var record Record
		if err := tx.Where("id = ?", id).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return fmt.Errorf("load verification record: %w", err)
		}
		if record.Status.Terminal() {
			return ErrRecordTerminal
		}

		updates := map[string]any{"status": status}
		if metadata != nil {
			updates["metadata"] = store.JSONAny(metadata)
		}
		if status.Terminal() {
			now := time.Now().UTC()
			updates["completed_at"] = &now
			updates["active_key"] = nil
		}
		if err := tx.Model(&Record{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("update verification record: %w", err)
		}
		return nil
	})
}
