package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Record is the storage and wire form of an event: the envelope with the
// payload encoded as canonical JSON.
type Record struct {
	// Position is the global append position assigned by the log (0 when unknown).
	Position uint64 `json:"position,omitempty"`
	// ID is the event identifier.
	ID string `json:"id"`
	// AggregateID is the aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// AggregateType is the kind of aggregate.
	AggregateType AggregateType `json:"aggregate_type"`
	// Seq is the per-aggregate sequence number.
	Seq uint64 `json:"seq"`
	// Type is the event variant.
	Type Type `json:"type"`
	// CreatedAt is the event time (UTC).
	CreatedAt time.Time `json:"created_at"`
	// CorrelationID links events produced by one command chain.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Payload is the RFC 8785 canonical JSON of the payload.
	Payload json.RawMessage `json:"payload"`
}

// Factory returns a new zero payload for decoding.
type Factory func() Payload

// Registry maps event types to payload factories. It only accepts types
// from the closed set and is populated once at startup by each aggregate
// package.
type Registry struct {
	factories map[Type]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Type]Factory)}
}

// Register adds a payload factory. The type is taken from the payload itself.
func (r *Registry) Register(f Factory) error {
	if r == nil {
		return errors.New("registry is required")
	}
	if f == nil {
		return errors.New("factory is required")
	}
	t := f().EventType()
	if !Known(t) {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("event type already registered: %s", t)
	}
	r.factories[t] = f
	return nil
}

// Missing returns the defined event types that have no factory, sorted.
func (r *Registry) Missing() []Type {
	var out []Type
	for t := range owners {
		if _, ok := r.factories[t]; !ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Encode converts an event to its record form.
func (r *Registry) Encode(e Event) (Record, error) {
	if e.Payload == nil {
		return Record{}, fmt.Errorf("event %s: payload is required", e.ID)
	}
	if e.Payload.EventType() != e.Type {
		return Record{}, fmt.Errorf("event %s: payload type %s does not match %s", e.ID, e.Payload.EventType(), e.Type)
	}
	if _, ok := r.factories[e.Type]; !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Record{}, fmt.Errorf("canonicalize %s payload: %w", e.Type, err)
	}
	return Record{
		ID:            e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Seq:           e.Seq,
		Type:          e.Type,
		CreatedAt:     e.CreatedAt,
		CorrelationID: e.CorrelationID,
		Payload:       canonical,
	}, nil
}

// Decode converts a record back to a typed event.
func (r *Registry) Decode(rec Record) (Event, error) {
	t := Type(strings.TrimSpace(string(rec.Type)))
	f, ok := r.factories[t]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownType, rec.Type)
	}
	p := f()
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return Event{
		ID:            rec.ID,
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		Seq:           rec.Seq,
		Type:          t,
		CreatedAt:     rec.CreatedAt,
		CorrelationID: rec.CorrelationID,
		Payload:       deref(p),
	}, nil
}

// deref lets factories return pointers for decoding while aggregates
// switch on value payload types.
func deref(p Payload) Payload {
	v := reflect.ValueOf(p)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return p
	}
	if d, ok := v.Elem().Interface().(Payload); ok {
		return d
	}
	return p
}
