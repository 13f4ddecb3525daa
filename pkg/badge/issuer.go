// Package badge mints non-fungible credential records bound to an
// identifier and its owner address. Minting is append-only: a badge is
// never updated in place, only superseded by a reissue on succession.
package badge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/decentid/identity-bridge/pkg/registry"
	"github.com/decentid/identity-bridge/pkg/signature"
	"github.com/decentid/identity-bridge/pkg/store"
)

// Status of a badge record.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
)

var (
	// ErrAlreadyMinted is returned when the identifier already holds an active badge.
	ErrAlreadyMinted = errors.New("identifier already has an active badge")

	// ErrBadgeNotFound is returned when no badge exists.
	ErrBadgeNotFound = errors.New("badge not found")

	// ErrIdentifierInactive is returned when minting against a retired identifier.
	ErrIdentifierInactive = errors.New("identifier is not active")
)

// Record is the GORM model for a badge.
//
// ActiveIdentifier mirrors Identifier while the badge is active and is
// cleared on supersession; the unique index on it enforces at most one
// active badge per identifier.
type Record struct {
	ID               string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Identifier       string     `gorm:"column:identifier;index:idx_badge_identifier;not null"`
	ActiveIdentifier *string    `gorm:"column:active_identifier;uniqueIndex:idx_badge_active"`
	OwnerAddress     string     `gorm:"column:owner_address;not null"`
	IssuedAt         time.Time  `gorm:"column:issued_at;not null"`
	Proof            []byte     `gorm:"column:proof;not null"`
	Status           Status     `gorm:"column:status;not null;default:active"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	SupersededAt     *time.Time `gorm:"column:superseded_at"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "badges" }

// CanonicalPayload is the byte string the proof signature covers.
func CanonicalPayload(identifier, ownerAddress string, issuedAt time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", identifier, ownerAddress, issuedAt.UTC().Format(time.RFC3339Nano)))
}

// Issuer mints badges. It is stateless per call apart from the stored records.
type Issuer struct {
	db       *gorm.DB
	registry *registry.Registry
	signer   *signature.Service
}

// NewIssuer creates a badge issuer.
func NewIssuer(db *gorm.DB, reg *registry.Registry, signer *signature.Service) *Issuer {
	return &Issuer{db: db, registry: reg, signer: signer}
}

// AutoMigrate creates or updates the badges table.
func (i *Issuer) AutoMigrate() error {
	return i.db.AutoMigrate(&Record{})
}

// Mint creates a badge for an active identifier. The proof is the signature
// service's signature over the canonical (identifier, ownerAddress, issuedAt)
// tuple. Returns ErrAlreadyMinted when an active badge exists.
func (i *Issuer) Mint(ctx context.Context, identifier, ownerAddress string) (*Record, error) {
	binding, err := i.registry.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if binding.Status != registry.StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrIdentifierInactive, identifier)
	}

	issuedAt := time.Now().UTC()
	active := identifier
	record := &Record{
		ID:               uuid.New().String(),
		Identifier:       identifier,
		ActiveIdentifier: &active,
		OwnerAddress:     ownerAddress,
		IssuedAt:         issuedAt,
		Proof:            i.signer.Sign(CanonicalPayload(identifier, ownerAddress, issuedAt)),
		Status:           StatusActive,
	}

	created, err := store.CreateIfAbsent(i.db.WithContext(ctx), record)
	if err != nil {
		return nil, fmt.Errorf("mint badge: %w", err)
	}
	if !created {
		return nil, ErrAlreadyMinted
	}
	return record, nil
}

// ActiveBadge returns the identifier's active badge, or ErrBadgeNotFound.
func (i *Issuer) ActiveBadge(ctx context.Context, identifier string) (*Record, error) {
	var record Record
	err := i.db.WithContext(ctx).Where("active_identifier = ?", identifier).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBadgeNotFound
		}
		return nil, fmt.Errorf("get active badge: %w", err)
	}
	return &record, nil
}

// Supersede marks the identifier's active badge superseded. Reissue for a
// successor mints a new record under the successor's identifier; this only
// closes out the predecessor's. No-op when no active badge exists.
func (i *Issuer) Supersede(ctx context.Context, identifier string) error {
	now := time.Now().UTC()
	result := i.db.WithContext(ctx).Model(&Record{}).
		Where("active_identifier = ?", identifier).
		Updates(map[string]any{
			"status":            StatusSuperseded,
			"active_identifier": nil,
			"superseded_at":     &now,
		})
	if result.Error != nil {
		return fmt.Errorf("supersede badge: %w", result.Error)
	}
	return nil
}

// VerifyProof recomputes the canonical payload and checks the badge proof
// against the signature service's public key.
func (i *Issuer) VerifyProof(record *Record) bool {
	return i.signer.Verify(CanonicalPayload(record.Identifier, record.OwnerAddress, record.IssuedAt), record.Proof)
}
