package mock

import (
	"context"
	"sync"

	"github.com/instill-ai/ingestion-backend/pkg/alert"
	"github.com/instill-ai/ingestion-backend/pkg/audit"
)

// AuditSink keeps audit events in memory.
type AuditSink struct {
	mu     sync.Mutex
	events []audit.Event
	Err    error
}

var _ audit.Sink = (*AuditSink)(nil)

// Write implements audit.Sink.
func (s *AuditSink) Write(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.events = append(s.events, ev)
	return nil
}

// Actions returns the recorded actions in order.
func (s *AuditSink) Actions() []audit.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]audit.Action, len(s.events))
	for i, ev := range s.events {
		actions[i] = ev.Action
	}
	return actions
}

// Events returns the recorded events.
func (s *AuditSink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

// Notifier keeps alerts in memory.
type Notifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

var _ alert.Notifier = (*Notifier)(nil)

// Notify implements alert.Notifier.
func (n *Notifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

// Alerts returns the received alerts.
func (n *Notifier) Alerts() []alert.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Alert(nil), n.alerts...)
}
