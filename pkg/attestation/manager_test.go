package attestation

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/decentid/identity-bridge/pkg/badge"
	"github.com/decentid/identity-bridge/pkg/events"
	"github.com/decentid/identity-bridge/pkg/registry"
	"github.com/decentid/identity-bridge/pkg/signature"
	"github.com/decentid/identity-bridge/pkg/verification"
)

type managerFixture struct {
	db      *gorm.DB
	manager *Manager
	tokens  *TokenStore
	events  *events.ChannelSink
	verifSt *verification.Store
}

func newFixture(t *testing.T, providers ...verification.Provider) *managerFixture {
	t.Helper()
	return newFixtureTimeout(t, time.Second, providers...)
}

func newFixtureTimeout(t *testing.T, verifTimeout time.Duration, providers ...verification.Provider) *managerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	verifStore := verification.NewStore(db)
	require.NoError(t, verifStore.AutoMigrate())
	provReg := verification.NewRegistry()
	if len(providers) == 0 {
		providers = []verification.Provider{&verification.MockProvider{Outcome: verification.StatusApproved}}
	}
	for _, p := range providers {
		require.NoError(t, provReg.Register(p))
	}
	verifSvc := verification.NewService(verifStore, provReg, verifTimeout, nil)

	reg := registry.New(db)
	require.NoError(t, reg.AutoMigrate())

	signer, err := signature.Generate()
	require.NoError(t, err)

	badges := badge.NewIssuer(db, reg, signer)
	require.NoError(t, badges.AutoMigrate())

	tokens := NewTokenStore(db)
	require.NoError(t, tokens.AutoMigrate())

	sink := events.NewChannelSink(16, nil)

	manager, err := NewManager(verifSvc, reg, badges, tokens, signer, sink, time.Hour, nil)
	require.NoError(t, err)

	return &managerFixture{db: db, manager: manager, tokens: tokens, events: sink, verifSt: verifStore}
}

func (f *managerFixture) drainEvents() []events.Event {
	var drained []events.Event
	for {
		select {
		case e := <-f.events.Events():
			drained = append(drained, e)
		default:
			return drained
		}
	}
}

func TestNewManager_RejectsNonPositiveValidity(t *testing.T) {
	_, err := NewManager(nil, nil, nil, nil, nil, nil, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidValidity)

	_, err = NewManager(nil, nil, nil, nil, nil, nil, -time.Hour, nil)
	assert.ErrorIs(t, err, ErrInvalidValidity)
}

func TestExecuteFlow_Success(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.ExecuteFlow(context.Background(), "S1", "0xabc", "mock", map[string]any{"document": "passport"})
	require.NoError(t, err)

	assert.Equal(t, StateTokenIssued, result.State)
	assert.Equal(t, verification.StatusApproved, result.Verification.Status)
	require.NotNil(t, result.Identifier)
	require.NotNil(t, result.Badge)
	require.NotNil(t, result.Token)
	assert.Equal(t, result.Identifier.Identifier, result.Badge.Identifier)
	assert.Equal(t, result.Identifier.Identifier, result.Token.Identifier)
	assert.Equal(t, TokenValid, result.Token.Status)
	assert.True(t, result.Token.ExpiresAt.After(result.Token.IssuedAt))

	drained := f.drainEvents()
	require.Len(t, drained, 1)
	assert.Equal(t, events.TypeTokenIssued, drained[0].Type)
	assert.Equal(t, result.Token.ID, drained[0].TokenID)
}

func TestExecuteFlow_Rejected_NothingCreated(t *testing.T) {
	f := newFixture(t, &verification.MockProvider{Outcome: verification.StatusRejected})

	result, err := f.manager.ExecuteFlow(context.Background(), "S1", "0xabc", "mock", nil)
	assert.ErrorIs(t, err, ErrVerificationRejected)
	assert.Equal(t, StateVerificationFailed, result.State)
	assert.Nil(t, result.Identifier)
	assert.Nil(t, result.Badge)
	assert.Nil(t, result.Token)
	assert.Empty(t, f.drainEvents())
}

func TestExecuteFlow_IdempotentReattestation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)

	second, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)

	// Same identifier and badge, fresh token.
	assert.Equal(t, first.Identifier.Identifier, second.Identifier.Identifier)
	assert.Equal(t, first.Badge.ID, second.Badge.ID)
	assert.NotEqual(t, first.Token.ID, second.Token.ID)

	// Exactly one identifier ever exists for the subject.
	var count int64
	require.NoError(t, f.db.Model(&registry.Record{}).Where("subject_ref = ?", "S1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestExecuteFlow_AsyncPendingThenApproved(t *testing.T) {
	f := newFixture(t, &verification.CallbackProvider{})
	ctx := context.Background()

	pending, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "callback", nil)
	require.NoError(t, err)
	assert.Equal(t, StateVerificationPending, pending.State)
	assert.Nil(t, pending.Token)

	// Re-entry while the provider is still silent stays pending.
	again, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "callback", nil)
	require.NoError(t, err)
	assert.Equal(t, StateVerificationPending, again.State)

	// Callback lands; re-entry completes the flow.
	_, err = f.verifSt.Finalize(pending.Verification.ID, verification.StatusApproved, nil)
	require.NoError(t, err)

	done, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "callback", nil)
	require.NoError(t, err)
	assert.Equal(t, StateTokenIssued, done.State)
	require.NotNil(t, done.Token)
}

func TestExecuteFlow_TimeoutThenRetrySucceeds(t *testing.T) {
	f := newFixtureTimeout(t, 20*time.Millisecond,
		&verification.MockProvider{ProviderName: "slow", Outcome: verification.StatusApproved, Latency: time.Second},
		&verification.MockProvider{Outcome: verification.StatusApproved},
	)
	ctx := context.Background()

	_, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "slow", nil)
	require.ErrorIs(t, err, verification.ErrVerificationTimeout)

	// The timed-out attempt left an abandoned record behind; a retry must
	// start a fresh verification instead of reporting it as pending.
	result, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)
	assert.Equal(t, StateTokenIssued, result.State)
	require.NotNil(t, result.Token)

	_, err = f.manager.ValidateToken(ctx, result.Token.ID)
	assert.NoError(t, err)
}

func TestValidateToken_Valid(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.ExecuteFlow(context.Background(), "S1", "0xabc", "mock", nil)
	require.NoError(t, err)

	validation, err := f.manager.ValidateToken(context.Background(), result.Token.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Token.ID, validation.TokenID)
	assert.Equal(t, result.Identifier.Identifier, validation.Identifier)
	assert.Equal(t, "0xabc", validation.SubjectAddress)
}

func TestValidateToken_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.ValidateToken(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestValidateToken_LazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)

	// Age the token past its window.
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, f.db.Model(&TokenRecord{}).
		Where("id = ?", result.Token.ID).
		Update("expires_at", past).Error)

	_, err = f.manager.ValidateToken(ctx, result.Token.ID)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// Expiry was persisted as a side effect of the read.
	stored, err := f.tokens.Get(ctx, result.Token.ID)
	require.NoError(t, err)
	assert.Equal(t, TokenExpired, stored.Status)
}

func TestValidateToken_SignatureInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)

	// Forge the stored token with a different key.
	forger, err := signature.Generate()
	require.NoError(t, err)
	forgedManager := *f.manager
	forgedManager.signer = forger
	forged, err := forgedManager.issueToken(ctx, "idb-forged", "0xevil")
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&TokenRecord{}).
		Where("id = ?", result.Token.ID).
		Update("signed_token", forged.SignedToken).Error)

	_, err = f.manager.ValidateToken(ctx, result.Token.ID)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestRevoke_IdempotentAndOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)
	f.drainEvents()

	require.NoError(t, f.manager.Revoke(ctx, result.Token.ID))

	_, err = f.manager.ValidateToken(ctx, result.Token.ID)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Revoking twice is not an error and emits no second event.
	require.NoError(t, f.manager.Revoke(ctx, result.Token.ID))
	drained := f.drainEvents()
	require.Len(t, drained, 1)
	assert.Equal(t, events.TypeTokenRevoked, drained[0].Type)

	assert.ErrorIs(t, f.manager.Revoke(ctx, "absent"), ErrTokenNotFound)
}

func TestRevoke_RevokedBeatsExpiredOnValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.Revoke(ctx, result.Token.ID))

	// Even past its window, a revoked token reports revoked.
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, f.db.Model(&TokenRecord{}).
		Where("id = ?", result.Token.ID).
		Update("expires_at", past).Error)

	_, err = f.manager.ValidateToken(ctx, result.Token.ID)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRevokeAllForIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)
	second, err := f.manager.ExecuteFlow(ctx, "S1", "0xabc", "mock", nil)
	require.NoError(t, err)

	revoked, err := f.manager.RevokeAllForIdentifier(ctx, first.Identifier.Identifier)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	_, err = f.manager.ValidateToken(ctx, first.Token.ID)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = f.manager.ValidateToken(ctx, second.Token.ID)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestFlowMachine_Transitions(t *testing.T) {
	m := NewFlowMachine()

	require.NoError(t, m.ValidateTransition(StateInit, StateVerificationPending))
	require.NoError(t, m.ValidateTransition(StateVerificationPending, StateVerificationFailed))
	require.NoError(t, m.ValidateTransition(StateVerificationPending, StateVerificationApproved))

	err := m.ValidateTransition(StateInit, StateTokenIssued)
	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "FLOW_INVALID_TRANSITION", flowErr.Code)

	err = m.ValidateTransition(StateTokenIssued, StateInit)
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, "FLOW_TERMINAL_STATE", flowErr.Code)
}
