// Package audit records start, success, failure and security events of the
// engine's operations to one or more sinks.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "tenant-vault/internal/errors"
	"tenant-vault/internal/logging"
)

// Outcome is the phase of an audited operation
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSecurity  Outcome = "security_violation"
)

// Event is one audit record
type Event struct {
	ID        string                 `json:"id"`
	Time      time.Time              `json:"time"`
	Operation string                 `json:"operation"`
	Outcome   Outcome                `json:"outcome"`
	TenantID  int64                  `json:"tenant_id"`
	ActorID   int64                  `json:"actor_id"`
	RequestID string                 `json:"request_id,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
	Duration  time.Duration          `json:"duration_ns,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Sink receives audit events
type Sink interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}

// Auditor fans events out to its sinks. A nil Auditor discards events.
type Auditor struct {
	sinks  []Sink
	logger *logging.Logger
}

// NewAuditor creates an auditor writing to sinks
func NewAuditor(logger *logging.Logger, sinks ...Sink) *Auditor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Auditor{sinks: sinks, logger: logger}
}

// Emit sends an event to every sink. Sink failures are logged and never
// fail the audited operation.
func (a *Auditor) Emit(ctx context.Context, event Event) {
	if a == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = logging.GetRequestIDFromContext(ctx)
	}

	for _, sink := range a.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			a.logger.WithFields(map[string]interface{}{
				"operation": event.Operation,
				"outcome":   event.Outcome,
			}).Warnf("Failed to write audit event: %v", err)
		}
	}
}

// Begin records the start of an operation and returns the function that
// records its end. A tenant isolation violation additionally produces a
// security event.
func (a *Auditor) Begin(ctx context.Context, operation string, tenantID, actorID int64, fields map[string]interface{}) func(err error, result map[string]interface{}) {
	start := time.Now()
	a.Emit(ctx, Event{
		Operation: operation,
		Outcome:   OutcomeStarted,
		TenantID:  tenantID,
		ActorID:   actorID,
		Fields:    fields,
	})

	return func(err error, result map[string]interface{}) {
		event := Event{
			Operation: operation,
			Outcome:   OutcomeSucceeded,
			TenantID:  tenantID,
			ActorID:   actorID,
			Duration:  time.Since(start),
			Fields:    merge(fields, result),
		}
		if err != nil {
			event.Outcome = OutcomeFailed
			event.ErrorKind = string(apperrors.GetErrorType(err))
			event.Detail = err.Error()
		}
		a.Emit(ctx, event)

		if apperrors.Is(err, apperrors.ErrorTypeTenantIsolation) {
			a.Security(ctx, operation, tenantID, actorID, err)
		}
	}
}

// Security records a tenant isolation violation
func (a *Auditor) Security(ctx context.Context, operation string, tenantID, actorID int64, err error) {
	if a == nil {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	a.logger.LogSecurityEvent(operation, tenantID, map[string]interface{}{
		"actor_id": actorID,
		"detail":   detail,
	})
	a.Emit(ctx, Event{
		Operation: operation,
		Outcome:   OutcomeSecurity,
		TenantID:  tenantID,
		ActorID:   actorID,
		ErrorKind: string(apperrors.ErrorTypeTenantIsolation),
		Detail:    detail,
	})
}

// Close closes every sink
func (a *Auditor) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	for _, sink := range a.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close audit sink: %w", err)
		}
	}
	return firstErr
}

func merge(a, b map[string]interface{}) map[string]interface{} {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// MemorySink keeps events in memory
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink
func (m *MemorySink) Emit(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Close implements Sink
func (m *MemorySink) Close() error {
	return nil
}

// Events returns a copy of the recorded events
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByOutcome returns the recorded events with the given outcome
func (m *MemorySink) ByOutcome(outcome Outcome) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Outcome == outcome {
			out = append(out, e)
		}
	}
	return out
}
