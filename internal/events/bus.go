// Package events is an in-process pub/sub bus for security and audit
// events: credential-gate transitions, privilege-escalation denials,
// enumeration blocks, emergency reads.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the core.
const (
	TypeCredentialDemoted  = "credential.demoted"
	TypeCredentialRestored = "credential.restored"
	TypeEscalationBlocked  = "security.escalation_blocked"
	TypeEnumerationBlocked = "security.enumeration_blocked"
	TypeEmergencyRead      = "security.emergency_read"
	TypeLedgerReconcile    = "credits.ledger_reconcile"
	TypeAlertRaised        = "perf.alert_raised"
	TypeAlertResolved      = "perf.alert_resolved"
)

// Event is the envelope for all core events.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// Bus is an in-process pub/sub event bus. Subscribers receive events in
// real time; slow subscribers drop rather than block publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]chan Event // type -> channels
	allSubs    []chan Event
	bufferSize int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[string][]chan Event),
		bufferSize: 100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are named.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range types {
		b.subs[t] = append(b.subs[t], ch)
	}
	return ch
}

// Emit publishes an event. Never blocks; full subscriber buffers drop.
func (b *Bus) Emit(eventType, subject string, data map[string]any) {
	ev := Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Subject: subject,
		Time:    time.Now(),
		Data:    data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[eventType] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
