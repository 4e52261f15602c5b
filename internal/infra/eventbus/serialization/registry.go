// Package serialization converts domain events to and from their wire form.
//
// Every event travels as a protobuf-encoded google.protobuf.Struct envelope
// carrying the event type, the time it occurred and a Struct payload. Each
// event type registers a pair of functions that map its domain value to and
// from that payload, so adding an event never touches the envelope format.
package serialization

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/analysis-armada/internal/domain/events"
)

// ErrUnknownEventType is returned when no codec is registered for a type.
var ErrUnknownEventType = errors.New("no codec registered for event type")

// SerializeFunc converts a domain event into its Struct payload.
type SerializeFunc func(payload events.DomainEvent) (*structpb.Struct, error)

// DeserializeFunc rebuilds a domain event from its Struct payload.
type DeserializeFunc func(payload *structpb.Struct, occurredAt time.Time) (events.DomainEvent, error)

const (
	fieldEventType  = "event_type"
	fieldOccurredAt = "occurred_at"
	fieldPayload    = "payload"
)

// Registry maps event types to their codecs. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	serializers   map[events.EventType]SerializeFunc
	deserializers map[events.EventType]DeserializeFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		serializers:   make(map[events.EventType]SerializeFunc),
		deserializers: make(map[events.EventType]DeserializeFunc),
	}
}

// Register installs the codec for eventType, replacing any previous one.
func (r *Registry) Register(eventType events.EventType, ser SerializeFunc, deser DeserializeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[eventType] = ser
	r.deserializers[eventType] = deser
}

// Marshal encodes evt into an envelope.
func (r *Registry) Marshal(evt events.DomainEvent) ([]byte, error) {
	r.mu.RLock()
	ser, ok := r.serializers[evt.EventType()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, evt.EventType())
	}

	payload, err := ser(evt)
	if err != nil {
		return nil, fmt.Errorf("serialize %s payload: %w", evt.EventType(), err)
	}

	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldEventType:  structpb.NewStringValue(string(evt.EventType())),
		fieldOccurredAt: structpb.NewStringValue(evt.OccurredAt().UTC().Format(time.RFC3339Nano)),
		fieldPayload:    structpb.NewStructValue(payload),
	}}
	return proto.Marshal(envelope)
}

// Unmarshal decodes an envelope produced by Marshal.
func (r *Registry) Unmarshal(data []byte) (events.DomainEvent, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	fields := envelope.GetFields()
	eventType := events.EventType(fields[fieldEventType].GetStringValue())
	if eventType == "" {
		return nil, errors.New("envelope has no event type")
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, fields[fieldOccurredAt].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("parse occurred_at for %s: %w", eventType, err)
	}

	r.mu.RLock()
	deser, ok := r.deserializers[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	payload := fields[fieldPayload].GetStructValue()
	if payload == nil {
		payload = &structpb.Struct{}
	}
	return deser(payload, occurredAt)
}
