package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/decentid/identity-bridge/pkg/store"
)

// Service owns verification records. It dispatches to the selected provider
// backend, enforces the one-outstanding-record-per-subject rule, and keeps
// provider timeouts distinct from provider rejections.
type Service struct {
	store     *Store
	providers *Registry
	timeout   time.Duration
	logger    *slog.Logger
}

// NewService creates a verification service. timeout bounds each provider
// call; zero means the caller's context is the only bound.
func NewService(st *Store, providers *Registry, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, providers: providers, timeout: timeout, logger: logger}
}

// Start begins a verification for the subject with the named provider.
//
// Exactly one attempt is made; retry policy belongs to the caller. The
// returned record is terminal for synchronous providers and Pending for
// asynchronous ones (finish those via Complete). A provider timeout returns
// ErrVerificationTimeout and releases the subject's outstanding slot.
func (s *Service) Start(ctx context.Context, subjectRef, providerName string, evidence map[string]any) (*Record, error) {
	provider, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	record := &Record{
		ID:         uuid.New().String(),
		SubjectRef: subjectRef,
		Provider:   providerName,
		Status:     StatusPending,
		Evidence:   store.JSONAny(evidence),
	}
	if err := s.store.Create(record); err != nil {
		return nil, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	outcome, err := provider.Verify(callCtx, subjectRef, evidence)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("verification provider timed out",
				"provider", providerName,
				"subject", subjectRef,
				"recordID", record.ID)
			if abandonErr := s.store.Abandon(record.ID, "provider timeout"); abandonErr != nil {
				s.logger.Error("failed to abandon timed-out verification record",
					"recordID", record.ID, "error", abandonErr)
			}
			return nil, fmt.Errorf("%w: provider %q", ErrVerificationTimeout, providerName)
		}
		if abandonErr := s.store.Abandon(record.ID, err.Error()); abandonErr != nil {
			s.logger.Error("failed to abandon failed verification record",
				"recordID", record.ID, "error", abandonErr)
		}
		return nil, fmt.Errorf("verification provider %q: %w", providerName, err)
	}

	switch outcome.Status {
	case StatusApproved, StatusRejected, StatusExpired:
		finalized, err := s.store.Finalize(record.ID, outcome.Status, outcome.Metadata)
		if err != nil {
			return nil, err
		}
		s.logger.Info("verification completed",
			"provider", providerName,
			"subject", subjectRef,
			"status", finalized.Status)
		return finalized, nil
	case StatusInProgress:
		if err := s.store.MarkInProgress(record.ID); err != nil {
			return nil, err
		}
		return s.store.Get(record.ID)
	case StatusPending:
		return s.store.Get(record.ID)
	default:
		return nil, fmt.Errorf("verification provider %q returned unknown status %q", providerName, outcome.Status)
	}
}

// Complete finalizes an asynchronous verification when the provider's
// callback lands. status must be terminal; terminal records cannot be
// completed again.
func (s *Service) Complete(ctx context.Context, recordID string, status Status, metadata map[string]any) (*Record, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("complete verification: %q is not a terminal status", status)
	}
	finalized, err := s.store.Finalize(recordID, status, metadata)
	if err != nil {
		return nil, err
	}
	s.logger.Info("verification completed via callback",
		"recordID", recordID,
		"status", status)
	return finalized, nil
}

// Get returns a verification record by ID.
func (s *Service) Get(ctx context.Context, recordID string) (*Record, error) {
	return s.store.Get(recordID)
}

// LatestForSubject returns the subject's most recent verification record.
func (s *Service) LatestForSubject(ctx context.Context, subjectRef string) (*Record, error) {
	return s.store.LatestForSubject(subjectRef)
}
