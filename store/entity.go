package store

import (
	"fmt"
	"maps"
)

// Entity is the unit exchanged with the store: a key, the version observed at the
// last read or write, and the properties keyed by property name.
type Entity struct {
	// Key identifies the entity. It is pending until the entity is created.
	Key Key

	// Version is the optimistic lock version (0 = none). It must be passed back
	// unchanged on the next write so concurrent modifications are detected.
	Version int64

	// Properties maps property names to values.
	Properties map[string]Value
}

// NewEntity returns an empty entity of the given kind with a pending key.
func NewEntity(kind string) *Entity {
	return &Entity{Key: NewKey(kind), Properties: make(map[string]Value)}
}

// Property returns the value of the named property.
func (e *Entity) Property(name string) (Value, error) {
	v, ok := e.Properties[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %q on %s", ErrPropertyNotFound, name, e.Key)
	}
	return v, nil
}

// Set sets the named property.
func (e *Entity) Set(name string, v Value) *Entity {
	if e.Properties == nil {
		e.Properties = make(map[string]Value)
	}
	e.Properties[name] = v
	return e
}

// Clone returns a copy of e that shares no mutable state with it.
func (e *Entity) Clone() *Entity {
	return &Entity{Key: e.Key, Version: e.Version, Properties: maps.Clone(e.Properties)}
}

// Equal reports whether both entities have the same key, version and properties.
func (e *Entity) Equal(o *Entity) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.Key.Equal(o.Key) && e.Version == o.Version &&
		maps.EqualFunc(e.Properties, o.Properties, Value.Equal)
}
