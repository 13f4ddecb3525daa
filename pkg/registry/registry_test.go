package registry

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	r := New(db)
	require.NoError(t, r.AutoMigrate())
	return r
}

func TestAssignResolve(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	record, err := r.Assign(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, record.Status)
	assert.Contains(t, record.Identifier, "idb-")

	resolved, err := r.Resolve(ctx, record.Identifier)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", resolved.SubjectRef)
}

func TestAssign_SecondActiveFails(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Assign(ctx, "0xabc")
	require.NoError(t, err)

	_, err = r.Assign(ctx, "0xabc")
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	// Only one identifier ever exists for the subject.
	first, err := r.ActiveForSubject(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, Derive("0xabc", 0), first.Identifier)
}

func TestAssign_Deterministic(t *testing.T) {
	r := newTestRegistry(t)

	record, err := r.Assign(context.Background(), "0xdef")
	require.NoError(t, err)
	assert.Equal(t, Derive("0xdef", 0), record.Identifier)

	// Distinct subjects never collide.
	other, err := r.Assign(context.Background(), "0xdef0")
	require.NoError(t, err)
	assert.NotEqual(t, record.Identifier, other.Identifier)
}

func TestRetire_AllowsReassignmentWithFreshIdentifier(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Assign(ctx, "0xabc")
	require.NoError(t, err)

	require.NoError(t, r.Retire(ctx, first.Identifier))

	// Retired bindings stay resolvable (no physical deletion).
	resolved, err := r.Resolve(ctx, first.Identifier)
	require.NoError(t, err)
	assert.Equal(t, StatusRetired, resolved.Status)
	assert.NotNil(t, resolved.RetiredAt)

	// The subject may be assigned again, with a new identifier.
	second, err := r.Assign(ctx, "0xabc")
	require.NoError(t, err)
	assert.NotEqual(t, first.Identifier, second.Identifier)

	// Retire is idempotent.
	require.NoError(t, r.Retire(ctx, first.Identifier))
}

func TestResolve_NotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve(context.Background(), "idb-missing")
	assert.ErrorIs(t, err, ErrIdentifierNotFound)

	_, err = r.ActiveForSubject(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, ErrIdentifierNotFound)

	assert.ErrorIs(t, r.Retire(context.Background(), "idb-missing"), ErrIdentifierNotFound)
}

func TestAssign_EmptySubject(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Assign(context.Background(), "")
	assert.Error(t, err)
}
