// Package heartbeat tracks per-actor liveness. The ledger records
// monotonic last-seen timestamps, the watchdog evaluation detects
// inactivity against a per-actor threshold and fires the succession
// signal exactly once per silence episode, re-arming on recovery.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/decentid/identity-bridge/pkg/events"
	"github.com/decentid/identity-bridge/pkg/keymutex"
	"github.com/decentid/identity-bridge/pkg/store"
)

// EscalationState of a tracked actor.
type EscalationState string

const (
	StateNormal    EscalationState = "normal"
	StateTriggered EscalationState = "triggered"
)

var (
	// ErrAlreadyRegistered is returned on duplicate registration; use
	// UpdateThreshold to change an existing actor.
	ErrAlreadyRegistered = errors.New("actor already registered")

	// ErrUnknownActor is returned for operations on an unregistered actor.
	ErrUnknownActor = errors.New("actor not registered")

	// ErrStaleHeartbeat is returned when a heartbeat is older than the
	// stored last-seen timestamp. The stored state never moves backwards.
	ErrStaleHeartbeat = errors.New("heartbeat older than last seen")

	// ErrInvalidThreshold is returned for a zero or negative inactivity threshold.
	ErrInvalidThreshold = errors.New("inactivity threshold must be positive")
)

// Record is the GORM model for a tracked actor's heartbeat state.
type Record struct {
	ActorID         string          `gorm:"primaryKey;column:actor_id;type:varchar(128)"`
	LastSeenAt      time.Time       `gorm:"column:last_seen_at;not null"`
	ThresholdMs     int64           `gorm:"column:threshold_ms;not null"`
	EscalationState EscalationState `gorm:"column:escalation_state;not null;default:normal"`
	TriggeredAt     *time.Time      `gorm:"column:triggered_at"`
	EpisodeCount    int             `gorm:"column:episode_count;default:0"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "heartbeat_records" }

// Threshold returns the actor's inactivity threshold as a duration.
func (r *Record) Threshold() time.Duration {
	return time.Duration(r.ThresholdMs) * time.Millisecond
}

// Ledger owns heartbeat records and escalation state. Operations on the
// same actor are serialized; unrelated actors proceed in parallel.
type Ledger struct {
	db     *gorm.DB
	sink   events.Sink
	locks  *keymutex.KeyMutex
	logger *slog.Logger
}

// NewLedger creates a heartbeat ledger.
func NewLedger(db *gorm.DB, sink events.Sink, logger *slog.Logger) *Ledger {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, sink: sink, locks: keymutex.New(), logger: logger}
}

// AutoMigrate creates or updates the heartbeat_records table.
func (l *Ledger) AutoMigrate() error {
	return l.db.AutoMigrate(&Record{})
}

// RegisterActor starts tracking an actor with the given inactivity
// threshold. The registration time counts as the first heartbeat.
func (l *Ledger) RegisterActor(ctx context.Context, actorID string, threshold time.Duration) (*Record, error) {
	if actorID == "" {
		return nil, fmt.Errorf("register actor: actor ID is empty")
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("%w (got %s)", ErrInvalidThreshold, threshold)
	}

	record := &Record{
		ActorID:         actorID,
		LastSeenAt:      time.Now().UTC(),
		ThresholdMs:     threshold.Milliseconds(),
		EscalationState: StateNormal,
	}
	created, err := store.CreateIfAbsent(l.db.WithContext(ctx), record)
	if err != nil {
		return nil, fmt.Errorf("register actor: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, actorID)
	}
	return record, nil
}

// UpdateThreshold changes a tracked actor's inactivity threshold.
func (l *Ledger) UpdateThreshold(ctx context.Context, actorID string, threshold time.Duration) error {
	if threshold <= 0 {
		return fmt.Errorf("%w (got %s)", ErrInvalidThreshold, threshold)
	}
	l.locks.Lock(actorID)
	defer l.locks.Unlock(actorID)

	result := l.db.WithContext(ctx).Model(&Record{}).
		Where("actor_id = ?", actorID).
		Update("threshold_ms", threshold.Milliseconds())
	if result.Error != nil {
		return fmt.Errorf("update threshold: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
	}
	return nil
}

// Get returns a tracked actor's record.
func (l *Ledger) Get(ctx context.Context, actorID string) (*Record, error) {
	var record Record
	err := l.db.WithContext(ctx).Where("actor_id = ?", actorID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
		}
		return nil, fmt.Errorf("get heartbeat record: %w", err)
	}
	return &record, nil
}

// ListActorIDs returns all tracked actor IDs.
func (l *Ledger) ListActorIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := l.db.WithContext(ctx).Model(&Record{}).Order("actor_id ASC").Pluck("actor_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list actors: %w", err)
	}
	return ids, nil
}

// Heartbeat records a liveness signal at the given timestamp. A heartbeat
// older than the stored last-seen is rejected without changing state. A
// heartbeat while the actor is in the triggered state closes the silence
// episode: escalation resets to normal and a Recovered event is emitted.
func (l *Ledger) Heartbeat(ctx context.Context, actorID string, at time.Time) (*Record, error) {
	l.locks.Lock(actorID)
	defer l.locks.Unlock(actorID)

	record, err := l.Get(ctx, actorID)
	if err != nil {
		return nil, err
	}

	at = at.UTC()
	if at.Before(record.LastSeenAt) {
		l.logger.Error("stale heartbeat rejected",
			"actorID", actorID,
			"heartbeatAt", at.Format(time.RFC3339Nano),
			"lastSeenAt", record.LastSeenAt.Format(time.RFC3339Nano))
		return nil, fmt.Errorf("%w: %s", ErrStaleHeartbeat, actorID)
	}

	updates := map[string]any{"last_seen_at": at}
	recovered := record.EscalationState == StateTriggered
	if recovered {
		updates["escalation_state"] = StateNormal
		updates["triggered_at"] = nil
	}
	if err := l.db.WithContext(ctx).Model(&Record{}).Where("actor_id = ?", actorID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}

	if recovered {
		event := events.New(events.TypeRecovered)
		event.ActorID = actorID
		event.Payload = map[string]any{"lastSeenAt": at.Format(time.RFC3339Nano)}
		l.sink.Publish(ctx, event)
		l.logger.Info("actor recovered", "actorID", actorID)
	}

	return l.Get(ctx, actorID)
}

// Evaluate checks one actor's inactivity at the given instant. Already
// triggered actors are a no-op: the trigger fires at most once per
// episode, enforced by the escalation state, not call deduplication. The
// threshold comparison is inclusive so exact boundary instants trigger
// deterministically. Returns true when this call performed the
// Normal→Triggered transition.
func (l *Ledger) Evaluate(ctx context.Context, actorID string, now time.Time) (bool, error) {
	l.locks.Lock(actorID)
	defer l.locks.Unlock(actorID)

	record, err := l.Get(ctx, actorID)
	if err != nil {
		return false, err
	}
	if record.EscalationState == StateTriggered {
		return false, nil
	}

	now = now.UTC()
	if now.Sub(record.LastSeenAt) < record.Threshold() {
		return false, nil
	}

	if err := l.db.WithContext(ctx).Model(&Record{}).Where("actor_id = ?", actorID).Updates(map[string]any{
		"escalation_state": StateTriggered,
		"triggered_at":     now,
		"episode_count":    gorm.Expr("episode_count + 1"),
	}).Error; err != nil {
		return false, fmt.Errorf("trigger escalation: %w", err)
	}

	event := events.New(events.TypeInactivityDetected)
	event.ActorID = actorID
	event.Payload = map[string]any{
		"lastSeenAt":  record.LastSeenAt.Format(time.RFC3339Nano),
		"evaluatedAt": now.Format(time.RFC3339Nano),
		"thresholdMs": record.ThresholdMs,
	}
	l.sink.Publish(ctx, event)

	l.logger.Warn("inactivity detected",
		"actorID", actorID,
		"lastSeenAt", record.LastSeenAt.Format(time.RFC3339Nano),
		"threshold", record.Threshold().String())
	return true, nil
}

// EvaluateAll evaluates every tracked actor at the given instant and
// returns the IDs that transitioned to triggered.
func (l *Ledger) EvaluateAll(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := l.ListActorIDs(ctx)
	if err != nil {
		return nil, err
	}
	var triggered []string
	for _, id := range ids {
		fired, err := l.Evaluate(ctx, id, now)
		if err != nil {
			return triggered, err
		}
		if fired {
			triggered = append(triggered, id)
		}
	}
	return triggered, nil
}
