package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TokenStatus represents the lifecycle state of an attestation token.
type TokenStatus string

const (
	TokenValid   TokenStatus = "valid"
	TokenExpired TokenStatus = "expired"
	TokenRevoked TokenStatus = "revoked"
)

var (
	// ErrTokenNotFound is returned when no token exists for an ID.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when a token's validity window has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked is returned when a token was explicitly revoked.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrSignatureInvalid is returned when the stored token fails
	// cryptographic verification. Always fatal to the operation.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrInvalidValidity is returned when the configured token validity
	// window is zero or negative. That is a configuration error, never an
	// infinite token.
	ErrInvalidValidity = errors.New("token validity must be positive")

	// ErrVerificationRejected is the terminal domain outcome of a rejected
	// verification: an expected end state of the flow, not a system fault.
	ErrVerificationRejected = errors.New("verification rejected")

	// ErrVerificationExpired is the terminal domain outcome of an expired
	// verification.
	ErrVerificationExpired = errors.New("verification expired")
)

// TokenRecord is the GORM model for an attestation token. The only legal
// mutations are status transitions; the signed token is never re-signed in
// place.
type TokenRecord struct {
	ID             string      `gorm:"primaryKey;column:id;type:varchar(36)"`
	Identifier     string      `gorm:"column:identifier;index:idx_token_identifier;not null"`
	SubjectAddress string      `gorm:"column:subject_address;not null"`
	IssuedAt       time.Time   `gorm:"column:issued_at;not null"`
	ExpiresAt      time.Time   `gorm:"column:expires_at;not null"`
	Status         TokenStatus `gorm:"column:status;index:idx_token_status;not null;default:valid"`
	SignedToken    string      `gorm:"column:signed_token;type:text;not null"`
	CreatedAt      time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time   `gorm:"column:updated_at;autoUpdateTime"`
	RevokedAt      *time.Time  `gorm:"column:revoked_at"`
}

// TableName returns the GORM table name.
func (TokenRecord) TableName() string { return "attestation_tokens" }

// TokenStore provides database operations for attestation tokens.
type TokenStore struct {
	db *gorm.DB
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{db: db}
}

// AutoMigrate creates or updates the attestation_tokens table.
func (s *TokenStore) AutoMigrate() error {
	return s.db.AutoMigrate(&TokenRecord{})
}

// Create persists a new token record.
func (s *TokenStore) Create(ctx context.Context, record *TokenRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create token record: %w", err)
	}
	return nil
}

// Get retrieves a token by ID. Returns ErrTokenNotFound if absent.
func (s *TokenStore) Get(ctx context.Context, id string) (*TokenRecord, error) {
	var record TokenRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get token record: %w", err)
	}
	return &record, nil
}

// MarkExpired flips a valid token to expired (the lazy-expiry side effect
// of validation). A token already expired or revoked is left alone.
func (s *TokenStore) MarkExpired(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&TokenRecord{}).
		Where("id = ? AND status = ?", id, TokenValid).
		Update("status", TokenExpired).Error
	if err != nil {
		return fmt.Errorf("mark token expired: %w", err)
	}
	return nil
}

// Revoke flips a valid token to revoked. Returns true when this call
// performed the transition, false when the token was not in the valid state
// (revocation is idempotent and expired tokens stay expired).
func (s *TokenStore) Revoke(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&TokenRecord{}).
		Where("id = ? AND status = ?", id, TokenValid).
		Updates(map[string]any{"status": TokenRevoked, "revoked_at": &now})
	if result.Error != nil {
		return false, fmt.Errorf("revoke token: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ValidForIdentifier lists the identifier's currently valid tokens.
func (s *TokenStore) ValidForIdentifier(ctx context.Context, identifier string) ([]TokenRecord, error) {
	var records []TokenRecord
	err := s.db.WithContext(ctx).
		Where("identifier = ? AND status = ?", identifier, TokenValid).
		Order("issued_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list valid tokens: %w", err)
	}
	return records, nil
}
