// Package registry assigns stable, globally unique identifiers to verified
// subjects. Identifiers are never reassigned and never physically deleted;
// retirement is a status flag so the full assignment history stays auditable.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/decentid/identity-bridge/pkg/store"
)

// Identifier namespace for deterministic derivation. Fixed for the lifetime
// of a deployment: the same subject always derives the same identifier for
// a given generation, so accidental double-assignment surfaces as a
// uniqueness conflict instead of a silent second identity.
var identifierNamespace = uuid.MustParse("9643d3d5-7d08-46b7-8a53-4a06d9e65a1c")

// Status of an identifier binding.
type Status string

const (
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

var (
	// ErrAlreadyAssigned is returned when the subject already holds an active identifier.
	ErrAlreadyAssigned = errors.New("subject already has an active identifier")

	// ErrIdentifierNotFound is returned when no binding exists for an identifier.
	ErrIdentifierNotFound = errors.New("identifier not found")
)

// Record is the GORM model for an identifier binding.
//
// ActiveSubject mirrors SubjectRef while the binding is active and is
// cleared on retirement; the unique index on it enforces at most one
// active identifier per subject.
type Record struct {
	Identifier    string     `gorm:"primaryKey;column:identifier;type:varchar(64)"`
	SubjectRef    string     `gorm:"column:subject_ref;index:idx_ident_subject;not null"`
	ActiveSubject *string    `gorm:"column:active_subject;uniqueIndex:idx_ident_active"`
	Status        Status     `gorm:"column:status;not null;default:active"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	RetiredAt     *time.Time `gorm:"column:retired_at"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "identifiers" }

// Registry provides identifier assignment and resolution.
type Registry struct {
	db *gorm.DB
}

// New creates a Registry over the given database.
func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// AutoMigrate creates or updates the identifiers table.
func (r *Registry) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

// Assign creates an identifier for the subject. Returns ErrAlreadyAssigned
// if the subject already holds an active one. The identifier is derived
// deterministically from the subject reference and its assignment
// generation, so retirement-then-reassignment yields a fresh identifier
// without ever reusing an old one.
func (r *Registry) Assign(ctx context.Context, subjectRef string) (*Record, error) {
	if subjectRef == "" {
		return nil, fmt.Errorf("assign identifier: subject reference is empty")
	}

	var generation int64
	if err := r.db.WithContext(ctx).Model(&Record{}).
		Where("subject_ref = ?", subjectRef).
		Count(&generation).Error; err != nil {
		return nil, fmt.Errorf("count prior identifiers: %w", err)
	}

	active := subjectRef
	record := &Record{
		Identifier:    Derive(subjectRef, int(generation)),
		SubjectRef:    subjectRef,
		ActiveSubject: &active,
		Status:        StatusActive,
	}

	created, err := store.CreateIfAbsent(r.db.WithContext(ctx), record)
	if err != nil {
		return nil, fmt.Errorf("assign identifier: %w", err)
	}
	if !created {
		return nil, ErrAlreadyAssigned
	}
	return record, nil
}

// Derive computes the identifier for a subject at a given assignment
// generation (0 for the first assignment).
func Derive(subjectRef string, generation int) string {
	name := subjectRef
	if generation > 0 {
		name = fmt.Sprintf("%s#%d", subjectRef, generation)
	}
	return "idb-" + uuid.NewSHA1(identifierNamespace, []byte(name)).String()
}

// Resolve returns the binding for an identifier, active or retired.
func (r *Registry) Resolve(ctx context.Context, identifier string) (*Record, error) {
	var record Record
	err := r.db.WithContext(ctx).Where("identifier = ?", identifier).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentifierNotFound
		}
		return nil, fmt.Errorf("resolve identifier: %w", err)
	}
	return &record, nil
}

// ActiveForSubject returns the subject's active identifier, or
// ErrIdentifierNotFound when there is none.
func (r *Registry) ActiveForSubject(ctx context.Context, subjectRef string) (*Record, error) {
	var record Record
	err := r.db.WithContext(ctx).Where("active_subject = ?", subjectRef).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentifierNotFound
		}
		return nil, fmt.Errorf("get active identifier: %w", err)
	}
	return &record, nil
}

// Retire marks an identifier retired and frees its subject for a future
// assignment. Retiring an already-retired identifier is a no-op.
func (r *Registry) Retire(ctx context.Context, identifier string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		if err := tx.Where("identifier = ?", identifier).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIdentifierNotFound
			}
			return fmt.Errorf("load identifier: %w", err)
		}
		if record.Status == StatusRetired {
			return nil
		}
		now := time.Now().UTC()
		if err := tx.Model(&Record{}).Where("identifier = ?", identifier).Updates(map[string]any{
			"status":         StatusRetired,
			"active_subject": nil,
			"retired_at":     &now,
		}).Error; err != nil {
			return fmt.Errorf("retire identifier: %w", err)
		}
		return nil
	})
}
