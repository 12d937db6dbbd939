package eventing

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrUnknownEventType is returned when an envelope names a type that was
// never registered.
var ErrUnknownEventType = errors.New("eventing: unknown event type")

// Registry maps envelope type names back to concrete event structs so
// the dispatcher can rehydrate stored payloads. Register every event
// type during startup, before the dispatcher runs.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]func() any
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]func() any)}
}

// Register records the event type of sample, accepting either a value
// or a pointer. The envelope type name is the struct's package-qualified
// name, matching what BuildEnvelope writes.
func (r *Registry) Register(sample any) {
	if r == nil || sample == nil {
		return
	}
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[t.String()] = func() any { return reflect.New(t).Interface() }
}

// DecodePayload unmarshals the envelope payload into the registered
// concrete type and returns it as a value, not a pointer.
func (r *Registry) DecodePayload(env Envelope) (any, error) {
	if r == nil {
		return nil, errors.New("eventing: nil registry")
	}
	r.mu.RLock()
	build := r.builders[env.EventType]
	r.mu.RUnlock()
	if build == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.EventType)
	}

	target := build()
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, err
	}
	if value := reflect.ValueOf(target); value.Kind() == reflect.Ptr && !value.IsNil() {
		return value.Elem().Interface(), nil
	}
	return target, nil
}
