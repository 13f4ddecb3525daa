// Package succession executes continuity handover. A plan names the
// successor for an actor; when the watchdog reports inactivity the
// orchestrator retires the silent actor's credentials and runs the full
// attestation flow for the successor.
package succession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/decentid/identity-bridge/pkg/attestation"
	"github.com/decentid/identity-bridge/pkg/badge"
	"github.com/decentid/identity-bridge/pkg/events"
	"github.com/decentid/identity-bridge/pkg/registry"
	"github.com/decentid/identity-bridge/pkg/store"
)

var (
	// ErrNoPlan is returned when an actor has no succession plan.
	ErrNoPlan = errors.New("no succession plan for actor")

	// ErrPlanExists is returned on duplicate plan creation.
	ErrPlanExists = errors.New("succession plan already exists")

	// ErrSuccessorPending is returned when the successor's verification is
	// still outstanding with an async provider. The plan stays unexecuted;
	// the next inactivity report re-enters the flow.
	ErrSuccessorPending = errors.New("successor attestation pending")
)

// Plan is the GORM model for a succession plan. PredecessorSubject is the
// subject reference whose credentials are handed over; the successor
// fields drive a fresh attestation flow on execution.
type Plan struct {
	ActorID            string        `gorm:"primaryKey;column:actor_id;type:varchar(128)"`
	PredecessorSubject string        `gorm:"column:predecessor_subject;not null;index"`
	SuccessorSubject   string        `gorm:"column:successor_subject;not null"`
	SuccessorAddress   string        `gorm:"column:successor_address;not null"`
	ProviderName       string        `gorm:"column:provider_name;not null"`
	Evidence           store.JSONAny `gorm:"column:evidence;type:text"`
	ExecutedAt         *time.Time    `gorm:"column:executed_at"`
	CreatedAt          time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Plan) TableName() string { return "succession_plans" }

// PlanStore persists succession plans.
type PlanStore struct {
	db *gorm.DB
}

// NewPlanStore creates a plan store.
func NewPlanStore(db *gorm.DB) *PlanStore {
	return &PlanStore{db: db}
}

// AutoMigrate creates or updates the succession_plans table.
func (s *PlanStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Plan{})
}

// Create stores a new plan for an actor.
func (s *PlanStore) Create(ctx context.Context, plan *Plan) error {
	if plan.ActorID == "" || plan.PredecessorSubject == "" || plan.SuccessorSubject == "" {
		return fmt.Errorf("create plan: actor, predecessor and successor are required")
	}
	created, err := store.CreateIfAbsent(s.db.WithContext(ctx), plan)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrPlanExists, plan.ActorID)
	}
	return nil
}

// Get returns the plan for an actor.
func (s *PlanStore) Get(ctx context.Context, actorID string) (*Plan, error) {
	var plan Plan
	err := s.db.WithContext(ctx).Where("actor_id = ?", actorID).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoPlan, actorID)
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &plan, nil
}

// Delete removes the plan for an actor. Missing plans are a no-op.
func (s *PlanStore) Delete(ctx context.Context, actorID string) error {
	return s.db.WithContext(ctx).Where("actor_id = ?", actorID).Delete(&Plan{}).Error
}

// markExecuted stamps the plan's execution time.
func (s *PlanStore) markExecuted(ctx context.Context, actorID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Plan{}).
		Where("actor_id = ?", actorID).
		Update("executed_at", at.UTC()).Error
}

// Options tune orchestrator behavior.
type Options struct {
	// RevokePredecessor revokes the silent actor's outstanding tokens
	// before attesting the successor.
	RevokePredecessor bool
	// RetirePredecessor retires the predecessor's identifier and
	// supersedes its badge so the subject can later re-attest under a
	// new generation.
	RetirePredecessor bool
}

// Orchestrator turns inactivity events into executed succession plans.
type Orchestrator struct {
	plans    *PlanStore
	registry *registry.Registry
	badges   *badge.Issuer
	manager  *attestation.Manager
	sink     events.Sink
	opts     Options
	logger   *slog.Logger
}

// NewOrchestrator creates a succession orchestrator.
func NewOrchestrator(
	plans *PlanStore,
	reg *registry.Registry,
	badges *badge.Issuer,
	manager *attestation.Manager,
	sink events.Sink,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		plans:    plans,
		registry: reg,
		badges:   badges,
		manager:  manager,
		sink:     sink,
		opts:     opts,
		logger:   logger,
	}
}

// Execute runs the succession plan for an actor: revoke and retire the
// predecessor's credentials per the configured options, then run the
// attestation flow for the successor. Plans already executed are a no-op
// so repeated inactivity reports do not re-run the handover.
func (o *Orchestrator) Execute(ctx context.Context, actorID string) (*attestation.FlowResult, error) {
	plan, err := o.plans.Get(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if plan.ExecutedAt != nil {
		o.logger.Info("succession plan already executed", "actorID", actorID)
		return nil, nil
	}

	predecessor, err := o.registry.ActiveForSubject(ctx, plan.PredecessorSubject)
	if err != nil && !errors.Is(err, registry.ErrIdentifierNotFound) {
		return nil, fmt.Errorf("resolve predecessor: %w", err)
	}

	revoked := 0
	if predecessor != nil {
		if o.opts.RevokePredecessor {
			revoked, err = o.manager.RevokeAllForIdentifier(ctx, predecessor.Identifier)
			if err != nil {
				return nil, fmt.Errorf("revoke predecessor tokens: %w", err)
			}
		}
		if o.opts.RetirePredecessor {
			if err := o.badges.Supersede(ctx, predecessor.Identifier); err != nil {
				return nil, fmt.Errorf("supersede predecessor badge: %w", err)
			}
			if err := o.registry.Retire(ctx, predecessor.Identifier); err != nil {
				return nil, fmt.Errorf("retire predecessor identifier: %w", err)
			}
		}
	}

	result, err := o.manager.ExecuteFlow(ctx, plan.SuccessorSubject, plan.SuccessorAddress, plan.ProviderName, map[string]any(plan.Evidence))
	if err != nil {
		return nil, fmt.Errorf("attest successor: %w", err)
	}
	if result.State != attestation.StateTokenIssued {
		// Async provider: the successor holds no credential yet, so the
		// handover is not done. Leave the plan unexecuted.
		o.logger.Info("successor attestation pending",
			"actorID", actorID,
			"successor", plan.SuccessorSubject,
			"state", string(result.State))
		return result, fmt.Errorf("%w: actor %s", ErrSuccessorPending, actorID)
	}

	now := time.Now().UTC()
	if err := o.plans.markExecuted(ctx, actorID, now); err != nil {
		return result, fmt.Errorf("mark plan executed: %w", err)
	}

	event := events.New(events.TypeSuccessionCompleted)
	event.ActorID = actorID
	event.SubjectRef = plan.SuccessorSubject
	event.Identifier = result.Identifier.Identifier
	event.Payload = map[string]any{
		"predecessorSubject": plan.PredecessorSubject,
		"revokedTokens":      revoked,
	}
	if predecessor != nil {
		event.Payload["predecessorIdentifier"] = predecessor.Identifier
	}
	o.sink.Publish(ctx, event)

	o.logger.Info("succession completed",
		"actorID", actorID,
		"successor", plan.SuccessorSubject,
		"identifier", result.Identifier.Identifier,
		"revokedTokens", revoked)
	return result, nil
}

// Run consumes inactivity events until the context is canceled. Execution
// failures are logged and do not stop the loop; the plan stays pending
// for the next inactivity report.
func (o *Orchestrator) Run(ctx context.Context, feed <-chan events.Event) error {
	o.logger.Info("succession orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("succession orchestrator stopped")
			return ctx.Err()
		case event, ok := <-feed:
			if !ok {
				return nil
			}
			if event.Type != events.TypeInactivityDetected {
				continue
			}
			if _, err := o.Execute(ctx, event.ActorID); err != nil {
				switch {
				case errors.Is(err, ErrNoPlan):
					o.logger.Warn("inactivity without succession plan", "actorID", event.ActorID)
				case errors.Is(err, ErrSuccessorPending):
					// Not a failure; the next report retries.
				default:
					o.logger.Error("succession failed", "actorID", event.ActorID, "error", err)
				}
			}
		}
	}
}
