package environment

import (
	"context"
	"sync"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventEnvironmentLoaded EventType = "environment.loaded"
	EventEnvironmentUp     EventType = "environment.up"
	EventEnvironmentDown   EventType = "environment.down"

	EventTierStarting EventType = "tier.starting"
	EventTierStarted  EventType = "tier.started"

	EventServiceStarting EventType = "service.starting"
	EventServiceStarted  EventType = "service.started"
	EventServiceFailed   EventType = "service.failed"
	EventServiceStopping EventType = "service.stopping"
	EventServiceStopped  EventType = "service.stopped"
	EventServiceLog      EventType = "service.log"

	EventPropertyExported EventType = "property.exported"
	EventPropertyCleared  EventType = "property.cleared"
)

// Event is a single entry in the event log.
type Event struct {
	Seq      uint64    `json:"seq"`
	Type     EventType `json:"type"`
	Service  string    `json:"service,omitempty"`
	Priority int       `json:"priority,omitempty"`
	Key      string    `json:"key,omitempty"`
	Value    string    `json:"value,omitempty"`
	Log      string    `json:"log,omitempty"`
	Error    string    `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// EventLog is an ordered, append-only event log. Events get contiguous
// sequence numbers starting at 1. Subscribers can replay from any point.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	seq    uint64
	notify chan struct{} // closed and replaced on each new event
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{notify: make(chan struct{})}
}

// Publish appends event with the next sequence number, stamping it with
// the current time when Timestamp is zero, and wakes all waiters.
func (l *EventLog) Publish(event Event) {
	l.mu.Lock()
	l.seq++
	event.Seq = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.events = append(l.events, event)
	ch := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()

	close(ch)
}

// Events returns a snapshot of all events.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns all events with sequence number > seq.
func (l *EventLog) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eventsSince(seq)
}

// eventsSince requires l.mu.
func (l *EventLog) eventsSince(seq uint64) []Event {
	start := int(seq)
	if start >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Subscribe replays events after fromSeq that pass filter, then streams new
// ones until ctx is done, when the channel is closed. The channel holds 256
// events; a subscriber that falls further behind loses events.
func (l *EventLog) Subscribe(ctx context.Context, fromSeq uint64, filter func(Event) bool) <-chan Event {
	ch := make(chan Event, 256)

	go func() {
		defer close(ch)
		cursor := fromSeq
		for {
			l.mu.Lock()
			batch := l.eventsSince(cursor)
			notify := l.notify
			l.mu.Unlock()

			for _, e := range batch {
				cursor = e.Seq
				if filter != nil && !filter(e) {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				default:
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// WaitFor returns the first logged event matching match, blocking until
// one is published or ctx is done.
func (l *EventLog) WaitFor(ctx context.Context, match func(Event) bool) (Event, error) {
	l.mu.Lock()
	for _, e := range l.events {
		if match(e) {
			l.mu.Unlock()
			return e, nil
		}
	}
	cursor := l.seq
	notify := l.notify
	l.mu.Unlock()

	for {
		select {
		case <-notify:
			l.mu.Lock()
			batch := l.eventsSince(cursor)
			notify = l.notify
			l.mu.Unlock()

			for _, e := range batch {
				if match(e) {
					return e, nil
				}
				cursor = e.Seq
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
