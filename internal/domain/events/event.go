package events

import "time"

// DomainEvent is a fact about something that happened in the domain.
type DomainEvent interface {
	// EventType identifies the category of the event for routing.
	EventType() EventType
	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
}

// EventEnvelope is the transport-level wrapper around a domain event.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key groups related events onto the same partition, typically the
	// subject the event belongs to.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload carries the domain event itself.
	Payload any
}
