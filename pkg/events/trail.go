package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/decentid/identity-bridge/pkg/store"
)

// TrailRecord is an immutable, durable copy of a published event.
type TrailRecord struct {
	ID         string        `gorm:"primaryKey;column:id;type:varchar(36)"`
	EventType  string        `gorm:"column:event_type;index:idx_trail_type_time,priority:1;not null"`
	ActorID    string        `gorm:"column:actor_id;index:idx_trail_actor_time,priority:1"`
	SubjectRef string        `gorm:"column:subject_ref"`
	Identifier string        `gorm:"column:identifier"`
	TokenID    string        `gorm:"column:token_id"`
	Payload    store.JSONAny `gorm:"column:payload;type:text"`
	CreatedAt  time.Time     `gorm:"column:created_at;index:idx_trail_type_time,priority:2;index:idx_trail_actor_time,priority:2;autoCreateTime"`
}

// TableName returns the GORM table name.
func (TrailRecord) TableName() string { return "event_trail" }

// Trail provides append-only operations for the durable event trail.
type Trail struct {
	db *gorm.DB
}

// NewTrail creates a Trail over the given database.
func NewTrail(db *gorm.DB) *Trail {
	return &Trail{db: db}
}

// AutoMigrate creates or updates the event_trail table.
func (t *Trail) AutoMigrate() error {
	return t.db.AutoMigrate(&TrailRecord{})
}

// Append creates a new immutable trail record from an event.
func (t *Trail) Append(ctx context.Context, event Event) error {
	record := &TrailRecord{
		ID:         event.ID,
		EventType:  string(event.Type),
		ActorID:    event.ActorID,
		SubjectRef: event.SubjectRef,
		Identifier: event.Identifier,
		TokenID:    event.TokenID,
		Payload:    store.JSONAny(event.Payload),
	}
	if err := t.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("append event trail record: %w", err)
	}
	return nil
}

// GetByID returns a trail record. Returns nil, nil when absent.
func (t *Trail) GetByID(ctx context.Context, id string) (*TrailRecord, error) {
	var record TrailRecord
	err := t.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event trail record: %w", err)
	}
	return &record, nil
}

// List returns paginated trail records ordered newest first, optionally
// filtered by event type and actor. pageToken is an RFC3339Nano timestamp;
// records with created_at < pageToken are returned.
func (t *Trail) List(ctx context.Context, eventType, actorID string, pageSize int, pageToken string) ([]TrailRecord, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := t.db.WithContext(ctx).Order("created_at DESC").Limit(pageSize + 1)
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if actorID != "" {
		query = query.Where("actor_id = ?", actorID)
	}
	if pageToken != "" {
		cursor, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", cursor)
	}

	var records []TrailRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list event trail records: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, nil
}

// DeleteOlderThan deletes trail records created before cutoff. Returns the
// number of deleted records.
func (t *Trail) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := t.db.Where("created_at < ?", cutoff).Delete(&TrailRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old event trail records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// TrailSink persists every published event into the trail.
type TrailSink struct {
	trail  *Trail
	logger *slog.Logger
}

// NewTrailSink creates a sink backed by the given trail.
func NewTrailSink(trail *Trail, logger *slog.Logger) *TrailSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrailSink{trail: trail, logger: logger}
}

// Publish appends the event. Persistence failures are logged, not
// propagated: the trail is an observer, never a gate on core operations.
func (s *TrailSink) Publish(ctx context.Context, event Event) {
	if err := s.trail.Append(ctx, event); err != nil {
		s.logger.Error("failed to persist event", "eventID", event.ID, "error", err)
	}
}

// RetentionWorker periodically deletes old trail records.
type RetentionWorker struct {
	trail     *Trail
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewRetentionWorker creates a worker keeping retentionDays of history,
// sweeping daily.
func NewRetentionWorker(trail *Trail, retentionDays int, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		trail:     trail,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  24 * time.Hour,
		logger:    logger,
	}
}

// Run starts the retention worker. It runs until the context is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.trail == nil || w.retention <= 0 {
		w.logger.Info("event retention worker disabled")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("event retention worker started",
		"retentionDays", int(w.retention.Hours()/24))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("event retention worker stopped")
			return
		case <-ticker.C:
			w.cleanup()
		}
	}
}

func (w *RetentionWorker) cleanup() {
	cutoff := time.Now().Add(-w.retention)
	deleted, err := w.trail.DeleteOlderThan(cutoff)
	if err != nil {
		w.logger.Error("event retention cleanup failed", "error", err)
	} else if deleted > 0 {
		w.logger.Info("event retention cleanup completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
