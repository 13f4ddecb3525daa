// Package attestation implements the HAAP pipeline: it orchestrates
// verification, identifier assignment, and badge minting into a signed,
// time-bounded attestation token, and validates and revokes those tokens.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/decentid/identity-bridge/pkg/badge"
	"github.com/decentid/identity-bridge/pkg/events"
	"github.com/decentid/identity-bridge/pkg/keymutex"
	"github.com/decentid/identity-bridge/pkg/registry"
	"github.com/decentid/identity-bridge/pkg/signature"
	"github.com/decentid/identity-bridge/pkg/verification"
)

// tokenIssuer is the iss claim on every attestation token.
const tokenIssuer = "identity-bridge"

// FlowResult is the composed outcome of an attestation flow. For a
// completed flow every field is set; a pending flow carries only the
// verification record.
type FlowResult struct {
	State        FlowState
	Verification *verification.Record
	Identifier   *registry.Record
	Badge        *badge.Record
	Token        *TokenRecord
}

// Validation is the successful result of ValidateToken.
type Validation struct {
	TokenID        string
	Identifier     string
	SubjectAddress string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// tokenClaims is the JWT claim set signed into every attestation token.
type tokenClaims struct {
	jwt.RegisteredClaims
	SubjectAddress string `json:"subjectAddress"`
}

// Manager is the attestation token manager. One instance serves all
// subjects; per-subject serialization is internal.
type Manager struct {
	machine      *FlowMachine
	verification *verification.Service
	registry     *registry.Registry
	badges       *badge.Issuer
	tokens       *TokenStore
	signer       *signature.Service
	sink         events.Sink
	locks        *keymutex.KeyMutex
	validity     time.Duration
	logger       *slog.Logger
}

// NewManager creates an attestation manager. validity is the token
// lifetime; zero or negative is a configuration error.
func NewManager(
	verificationSvc *verification.Service,
	reg *registry.Registry,
	badges *badge.Issuer,
	tokens *TokenStore,
	signer *signature.Service,
	sink events.Sink,
	validity time.Duration,
	logger *slog.Logger,
) (*Manager, error) {
	if validity <= 0 {
		return nil, fmt.Errorf("%w (got %s)", ErrInvalidValidity, validity)
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		machine:      NewFlowMachine(),
		verification: verificationSvc,
		registry:     reg,
		badges:       badges,
		tokens:       tokens,
		signer:       signer,
		sink:         sink,
		locks:        keymutex.New(),
		validity:     validity,
		logger:       logger,
	}, nil
}

// ExecuteFlow runs the attestation pipeline for a subject.
//
// A Rejected or Expired verification fails the flow with nothing created.
// A Pending verification (async provider) returns a non-terminal result;
// the caller re-enters ExecuteFlow once the provider's callback lands.
// For an already-attested subject the identifier and badge are reused
// idempotently and a fresh token is issued.
func (m *Manager) ExecuteFlow(ctx context.Context, subjectRef, ownerAddress, providerName string, evidence map[string]any) (*FlowResult, error) {
	m.locks.Lock(subjectRef)
	defer m.locks.Unlock(subjectRef)

	f := newFlow(m.machine)
	result := &FlowResult{}

	if err := f.advance(StateVerificationPending); err != nil {
		return nil, err
	}

	record, err := m.resolveVerification(ctx, subjectRef, providerName, evidence)
	if err != nil {
		return nil, err
	}
	result.Verification = record

	switch record.Status {
	case verification.StatusPending, verification.StatusInProgress:
		result.State = f.state
		return result, nil
	case verification.StatusRejected:
		if err := f.advance(StateVerificationFailed); err != nil {
			return nil, err
		}
		result.State = f.state
		return result, fmt.Errorf("%w: subject %s", ErrVerificationRejected, subjectRef)
	case verification.StatusExpired:
		if err := f.advance(StateVerificationFailed); err != nil {
			return nil, err
		}
		result.State = f.state
		return result, fmt.Errorf("%w: subject %s", ErrVerificationExpired, subjectRef)
	}

	if err := f.advance(StateVerificationApproved); err != nil {
		return nil, err
	}

	binding, err := m.registry.Assign(ctx, subjectRef)
	if errors.Is(err, registry.ErrAlreadyAssigned) {
		// Repeat attestation for a known subject is a supported path.
		binding, err = m.registry.ActiveForSubject(ctx, subjectRef)
	}
	if err != nil {
		return result, err
	}
	result.Identifier = binding
	if err := f.advance(StateIdentifierAssigned); err != nil {
		return nil, err
	}

	minted, err := m.badges.Mint(ctx, binding.Identifier, ownerAddress)
	if errors.Is(err, badge.ErrAlreadyMinted) {
		minted, err = m.badges.ActiveBadge(ctx, binding.Identifier)
	}
	if err != nil {
		return result, err
	}
	result.Badge = minted
	if err := f.advance(StateBadgeMinted); err != nil {
		return nil, err
	}

	token, err := m.issueToken(ctx, binding.Identifier, ownerAddress)
	if err != nil {
		return result, err
	}
	result.Token = token
	if err := f.advance(StateTokenIssued); err != nil {
		return nil, err
	}
	result.State = f.state

	event := events.New(events.TypeTokenIssued)
	event.SubjectRef = subjectRef
	event.Identifier = binding.Identifier
	event.TokenID = token.ID
	event.Payload = map[string]any{"expiresAt": token.ExpiresAt.Format(time.RFC3339Nano)}
	m.sink.Publish(ctx, event)

	m.logger.Info("attestation flow completed",
		"subject", subjectRef,
		"identifier", binding.Identifier,
		"tokenID", token.ID)
	return result, nil
}

// resolveVerification reuses the subject's outstanding or approved record
// when one exists, otherwise starts a fresh verification.
func (m *Manager) resolveVerification(ctx context.Context, subjectRef, providerName string, evidence map[string]any) (*verification.Record, error) {
	latest, err := m.verification.LatestForSubject(ctx, subjectRef)
	switch {
	case errors.Is(err, verification.ErrRecordNotFound):
		// First attestation for this subject.
	case err != nil:
		return nil, err
	case !latest.Status.Terminal() && latest.ActiveKey != nil:
		// Async verification still outstanding; report it rather than
		// failing with ErrVerificationInProgress.
		return latest, nil
	case latest.Status == verification.StatusApproved:
		// Approved records are read-only inputs to token issuance.
		return latest, nil
	}
	// Terminal failures and abandoned records (non-terminal with the
	// active slot released after a provider timeout or error) both start
	// over; reusing an abandoned record would pin the subject to a
	// verification no provider will ever finish.
	return m.verification.Start(ctx, subjectRef, providerName, evidence)
}

// issueToken constructs, signs, and persists a fresh attestation token.
func (m *Manager) issueToken(ctx context.Context, identifier, subjectAddress string) (*TokenRecord, error) {
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(m.validity)

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tokenIssuer,
			Subject:   identifier,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SubjectAddress: subjectAddress,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.signer.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("sign attestation token: %w", err)
	}

	record := &TokenRecord{
		ID:             claims.ID,
		Identifier:     identifier,
		SubjectAddress: subjectAddress,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
		Status:         TokenValid,
		SignedToken:    signed,
	}
	if err := m.tokens.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ValidateToken checks a token and returns its binding. Checks run cheap
// first: existence, then temporal expiry (persisted lazily), then revocation
// status, and only then cryptographic signature verification.
func (m *Manager) ValidateToken(ctx context.Context, tokenID string) (*Validation, error) {
	record, err := m.tokens.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if now.After(record.ExpiresAt) {
		if record.Status == TokenValid {
			if err := m.tokens.MarkExpired(ctx, tokenID); err != nil {
				m.logger.Error("failed to persist lazy token expiry",
					"tokenID", tokenID, "error", err)
			}
		}
		if record.Status != TokenRevoked {
			return nil, fmt.Errorf("%w: %s", ErrTokenExpired, tokenID)
		}
	}

	switch record.Status {
	case TokenRevoked:
		return nil, fmt.Errorf("%w: %s", ErrTokenRevoked, tokenID)
	case TokenExpired:
		return nil, fmt.Errorf("%w: %s", ErrTokenExpired, tokenID)
	}

	claims, err := m.parseSignedToken(record.SignedToken)
	if err != nil || claims.ID != record.ID || claims.Subject != record.Identifier {
		m.logger.Error("token signature verification failed",
			"tokenID", tokenID, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrSignatureInvalid, tokenID)
	}

	return &Validation{
		TokenID:        record.ID,
		Identifier:     record.Identifier,
		SubjectAddress: record.SubjectAddress,
		IssuedAt:       record.IssuedAt,
		ExpiresAt:      record.ExpiresAt,
	}, nil
}

// parseSignedToken verifies the JWT signature and returns its claims.
// Temporal claims were already checked against the stored record, so claim
// validation is disabled here; this is purely the signature check.
func (m *Manager) parseSignedToken(signed string) (*tokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	var claims tokenClaims
	_, err := parser.ParseWithClaims(signed, &claims, func(*jwt.Token) (any, error) {
		return m.signer.PublicKey(), nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// Revoke transitions a valid token to revoked. Idempotent: revoking a
// token that is already revoked (or expired) is not an error. Irreversible.
func (m *Manager) Revoke(ctx context.Context, tokenID string) error {
	record, err := m.tokens.Get(ctx, tokenID)
	if err != nil {
		return err
	}

	changed, err := m.tokens.Revoke(ctx, tokenID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	event := events.New(events.TypeTokenRevoked)
	event.Identifier = record.Identifier
	event.TokenID = tokenID
	m.sink.Publish(ctx, event)

	m.logger.Info("token revoked", "tokenID", tokenID, "identifier", record.Identifier)
	return nil
}

// RevokeAllForIdentifier revokes every valid token bound to the identifier.
// Used by the succession policy that invalidates a silent predecessor's
// credentials once a successor is attested.
func (m *Manager) RevokeAllForIdentifier(ctx context.Context, identifier string) (int, error) {
	records, err := m.tokens.ValidForIdentifier(ctx, identifier)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, record := range records {
		if err := m.Revoke(ctx, record.ID); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}
