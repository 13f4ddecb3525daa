package events

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	trail := NewTrail(db)
	require.NoError(t, trail.AutoMigrate())
	return trail
}

func TestChannelSink_DeliversAndDrops(t *testing.T) {
	sink := NewChannelSink(1, nil)
	ctx := context.Background()

	first := New(TypeInactivityDetected)
	second := New(TypeInactivityDetected)

	sink.Publish(ctx, first)
	// Buffer full: second is dropped, not blocked on.
	sink.Publish(ctx, second)

	select {
	case got := <-sink.Events():
		assert.Equal(t, first.ID, got.ID)
	default:
		t.Fatal("expected a buffered event")
	}

	select {
	case got := <-sink.Events():
		t.Fatalf("expected drop, got event %s", got.ID)
	default:
	}
}

func TestMultiSink_FansOut(t *testing.T) {
	a := NewChannelSink(1, nil)
	b := NewChannelSink(1, nil)
	multi := MultiSink{a, b}

	event := New(TypeTokenIssued)
	multi.Publish(context.Background(), event)

	assert.Equal(t, event.ID, (<-a.Events()).ID)
	assert.Equal(t, event.ID, (<-b.Events()).ID)
}

func TestTrail_AppendListFilter(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	issued := New(TypeTokenIssued)
	issued.TokenID = "t1"
	require.NoError(t, trail.Append(ctx, issued))

	detected := New(TypeInactivityDetected)
	detected.ActorID = "agent-1"
	require.NoError(t, trail.Append(ctx, detected))

	all, next, err := trail.List(ctx, "", "", 10, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Empty(t, next)

	onlyDetected, _, err := trail.List(ctx, string(TypeInactivityDetected), "", 10, "")
	require.NoError(t, err)
	require.Len(t, onlyDetected, 1)
	assert.Equal(t, "agent-1", onlyDetected[0].ActorID)

	byActor, _, err := trail.List(ctx, "", "agent-1", 10, "")
	require.NoError(t, err)
	assert.Len(t, byActor, 1)

	got, err := trail.GetByID(ctx, issued.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.TokenID)

	missing, err := trail.GetByID(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTrail_Pagination(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		record := TrailRecord{
			ID:        New(TypeTokenIssued).ID,
			EventType: string(TypeTokenIssued),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, trail.db.Create(&record).Error)
	}

	page, next, err := trail.List(ctx, "", "", 2, "")
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)

	rest, _, err := trail.List(ctx, "", "", 10, next)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}

func TestTrail_Retention(t *testing.T) {
	trail := newTestTrail(t)

	old := TrailRecord{
		ID:        New(TypeRecovered).ID,
		EventType: string(TypeRecovered),
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, trail.db.Create(&old).Error)
	require.NoError(t, trail.Append(context.Background(), New(TypeRecovered)))

	deleted, err := trail.DeleteOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, _, err := trail.List(context.Background(), "", "", 10, "")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestTrailSink_PersistsEvents(t *testing.T) {
	trail := newTestTrail(t)
	sink := NewTrailSink(trail, nil)

	event := New(TypeTokenRevoked)
	event.TokenID = "t9"
	sink.Publish(context.Background(), event)

	got, err := trail.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, string(TypeTokenRevoked), got.EventType)
}
