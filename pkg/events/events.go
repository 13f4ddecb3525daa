// Package events defines the bridge's outward event surface: the event
// types consumed by logging and alerting collaborators, the sink contract,
// and an append-only durable trail with retention.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the events the core surfaces outward.
type Type string

const (
	TypeTokenIssued         Type = "token_issued"
	TypeTokenRevoked        Type = "token_revoked"
	TypeInactivityDetected  Type = "inactivity_detected"
	TypeRecovered           Type = "recovered"
	TypeSuccessionCompleted Type = "succession_completed"
)

// Event is a single outward-facing occurrence. Fields that do not apply to
// a given type are left empty.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	ActorID    string         `json:"actorId,omitempty"`
	SubjectRef string         `json:"subjectRef,omitempty"`
	Identifier string         `json:"identifier,omitempty"`
	TokenID    string         `json:"tokenId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// New creates an event with a fresh ID and the current time.
func New(eventType Type) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink receives published events. Publishing must not block the caller
// indefinitely; slow consumers drop rather than wedge the core.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// SlogSink logs every event through a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

// Publish logs the event.
func (s *SlogSink) Publish(_ context.Context, event Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("bridge event",
		"eventID", event.ID,
		"type", event.Type,
		"actorID", event.ActorID,
		"subject", event.SubjectRef,
		"identifier", event.Identifier,
		"tokenID", event.TokenID)
}

// ChannelSink forwards events into a bounded channel for an in-process
// consumer (the succession orchestrator). When the channel is full the
// event is dropped with a warning rather than blocking the publisher.
type ChannelSink struct {
	ch     chan Event
	logger *slog.Logger
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(buffer int, logger *slog.Logger) *ChannelSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelSink{ch: make(chan Event, buffer), logger: logger}
}

// Publish enqueues the event, dropping it when the buffer is full.
func (s *ChannelSink) Publish(_ context.Context, event Event) {
	select {
	case s.ch <- event:
	default:
		s.logger.Warn("event channel full, dropping event",
			"eventID", event.ID, "type", event.Type)
	}
}

// Events returns the receive side of the channel.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

// Publish forwards the event to each sink.
func (m MultiSink) Publish(ctx context.Context, event Event) {
	for _, sink := range m {
		sink.Publish(ctx, event)
	}
}

// NopSink discards events. Useful as a default when no sink is wired.
type NopSink struct{}

// Publish discards the event.
func (NopSink) Publish(context.Context, Event) {}
