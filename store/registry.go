package store

import (
	"fmt"
	"slices"
)

// KeyType tells how the self segment of a kind's keys is assigned.
type KeyType int

const (
	// KeyByID keys carry a numeric id, allocated by the store when left pending.
	KeyByID KeyType = iota
	// KeyByName keys carry a caller-chosen name.
	KeyByName
)

// Property declares one property of a kind.
type Property struct {
	// Name is the property name used by application code.
	Name string

	// StorageName is the property name in the store. Defaults to Name.
	StorageName string

	// Type is the declared value type. Null is accepted only when Optional is set.
	Type ValueType

	// ElemType is the element type of TypeArray properties. Elements are never
	// null and never arrays. Unused for other types.
	ElemType ValueType

	// Indexed enables exact-match lookups on this property. An indexed array is
	// matched by any of its elements.
	Indexed bool

	// Optional allows the property to be absent or null.
	Optional bool
}

// Kind declares an entity kind: its properties, key shape and concurrency policy.
type Kind struct {
	// Name is the kind name stored in keys (e.g., "Account").
	Name string

	// Properties lists the declared properties.
	Properties []Property

	// Ancestors lists the kinds of the ancestor segments, root first.
	// Empty for root entities.
	Ancestors []string

	// KeyType tells whether keys are assigned by id or by name.
	KeyType KeyType

	// PageSize is the default page size for multi-result queries (0 = store default).
	PageSize int

	// Versioned enables optimistic concurrency. Entities of unversioned kinds
	// carry no version and writes are last-write-wins.
	Versioned bool

	byName    map[string]int
	byStorage map[string]int
}

// Property returns the declaration of the named property.
func (k *Kind) Property(name string) (Property, bool) {
	i, ok := k.byName[name]
	if !ok {
		return Property{}, false
	}
	return k.Properties[i], true
}

// CheckKey verifies that key has this kind's shape: the registered ancestor kinds
// followed by this kind, with the self segment matching KeyType.
func (k *Kind) CheckKey(key Key) error {
	if key.IsZero() {
		return &SchemaError{Kind: k.Name, Reason: "missing key"}
	}
	path := key.path
	if len(path) != len(k.Ancestors)+1 {
		return &SchemaError{Kind: k.Name, Reason: fmt.Sprintf("key %s: expected %d ancestors, got %d", key, len(k.Ancestors), len(path)-1)}
	}
	for i, kind := range k.Ancestors {
		if path[i].Kind != kind {
			return &SchemaError{Kind: k.Name, Reason: fmt.Sprintf("key %s: ancestor %d is %q, expected %q", key, i, path[i].Kind, kind)}
		}
	}
	self := path[len(path)-1]
	if self.Kind != k.Name {
		return &SchemaError{Kind: k.Name, Reason: fmt.Sprintf("key %s has kind %q", key, self.Kind)}
	}
	if k.KeyType == KeyByName && self.ID != 0 {
		return &SchemaError{Kind: k.Name, Reason: fmt.Sprintf("key %s: kind is keyed by name", key)}
	}
	if k.KeyType == KeyByID && self.Name != "" {
		return &SchemaError{Kind: k.Name, Reason: fmt.Sprintf("key %s: kind is keyed by id", key)}
	}
	return nil
}

func (k *Kind) checkProperty(p Property, v Value, present bool) error {
	if !present || v.IsNull() {
		if p.Optional {
			return nil
		}
		if !present {
			return &SchemaError{Kind: k.Name, Property: p.Name, Reason: "required property missing"}
		}
		return &SchemaError{Kind: k.Name, Property: p.Name, Reason: "required property is null"}
	}
	if err := k.checkValue(p, p.Type, v); err != nil {
		return err
	}
	for i, e := range v.arr {
		if err := k.checkValue(p, p.ElemType, e); err != nil {
			err.Reason = fmt.Sprintf("element %d: %s", i, err.Reason)
			return err
		}
	}
	return nil
}

func (k *Kind) checkValue(p Property, want ValueType, v Value) *SchemaError {
	if v.Type() != want {
		return &SchemaError{Kind: k.Name, Property: p.Name, Reason: fmt.Sprintf("expected %s, got %s", want, v.Type())}
	}
	if v.Type() == TypeKey && v.k.IsZero() {
		return &SchemaError{Kind: k.Name, Property: p.Name, Reason: "key reference is empty"}
	}
	return nil
}

// filterType is the value type accepted by equality filters on p.
func (p Property) filterType() ValueType {
	if p.Type == TypeArray {
		return p.ElemType
	}
	return p.Type
}

// Registry holds the kinds known to a Store. It is built once at startup and read
// concurrently afterwards.
type Registry struct {
	kinds  []*Kind
	byName map[string]*Kind
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:  []*Kind{},
		byName: make(map[string]*Kind),
	}
}

// Register validates and adds a kind declaration.
// This should be called during startup for every kind the application uses.
func (r *Registry) Register(kind Kind) error {
	if kind.Name == "" {
		return &SchemaError{Reason: "kind name is empty"}
	}
	if _, ok := r.byName[kind.Name]; ok {
		return &SchemaError{Kind: kind.Name, Reason: "kind registered twice"}
	}
	if kind.PageSize < 0 {
		return &SchemaError{Kind: kind.Name, Reason: "negative page size"}
	}
	if slices.Contains(kind.Ancestors, "") {
		return &SchemaError{Kind: kind.Name, Reason: "empty ancestor kind"}
	}

	k := kind
	k.Properties = slices.Clone(kind.Properties)
	k.Ancestors = slices.Clone(kind.Ancestors)
	k.byName = make(map[string]int, len(k.Properties))
	k.byStorage = make(map[string]int, len(k.Properties))
	for i := range k.Properties {
		p := &k.Properties[i]
		if p.Name == "" {
			return &SchemaError{Kind: k.Name, Reason: fmt.Sprintf("property %d has no name", i)}
		}
		if p.StorageName == "" {
			p.StorageName = p.Name
		}
		if p.Type == TypeNull {
			return &SchemaError{Kind: k.Name, Property: p.Name, Reason: "null is not a property type"}
		}
		switch {
		case p.Type == TypeArray && (p.ElemType == TypeNull || p.ElemType == TypeArray):
			return &SchemaError{Kind: k.Name, Property: p.Name, Reason: fmt.Sprintf("%s is not an array element type", p.ElemType)}
		case p.Type != TypeArray && p.ElemType != TypeNull:
			return &SchemaError{Kind: k.Name, Property: p.Name, Reason: "element type set on a non-array property"}
		}
		if _, dup := k.byName[p.Name]; dup {
			return &SchemaError{Kind: k.Name, Property: p.Name, Reason: "duplicate property"}
		}
		if _, dup := k.byStorage[p.StorageName]; dup {
			return &SchemaError{Kind: k.Name, Property: p.Name, Reason: fmt.Sprintf("duplicate storage name %q", p.StorageName)}
		}
		k.byName[p.Name] = i
		k.byStorage[p.StorageName] = i
	}

	r.kinds = append(r.kinds, &k)
	r.byName[k.Name] = &k
	return nil
}

// MustRegister is like Register but panics on an invalid declaration.
func (r *Registry) MustRegister(kind Kind) {
	if err := r.Register(kind); err != nil {
		panic(err)
	}
}

// Lookup returns the declaration of the named kind.
func (r *Registry) Lookup(name string) (*Kind, bool) {
	k, ok := r.byName[name]
	return k, ok
}

// Kinds returns all registered kinds in registration order.
func (r *Registry) Kinds() []*Kind {
	return slices.Clone(r.kinds)
}

func (r *Registry) kind(name string) (*Kind, error) {
	k, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

// FromRaw builds an Entity from a key, version and store-side property map keyed by
// storage name. It validates the key shape and every declared property, drops
// undeclared properties and clears the version of unversioned kinds.
func (r *Registry) FromRaw(key Key, version int64, raw map[string]Value) (*Entity, error) {
	kind, err := r.kind(key.Kind())
	if err != nil {
		return nil, err
	}
	if err := kind.CheckKey(key); err != nil {
		return nil, err
	}
	props := make(map[string]Value, len(kind.Properties))
	for _, p := range kind.Properties {
		v, present := raw[p.StorageName]
		if err := kind.checkProperty(p, v, present); err != nil {
			return nil, err
		}
		if present {
			props[p.Name] = v
		}
	}
	if !kind.Versioned {
		version = 0
	}
	return &Entity{Key: key, Version: version, Properties: props}, nil
}

// toRaw validates e against its kind and returns its properties keyed by storage name.
func (r *Registry) toRaw(e *Entity) (*Kind, map[string]Value, error) {
	kind, err := r.kind(e.Key.Kind())
	if err != nil {
		return nil, nil, err
	}
	if err := kind.CheckKey(e.Key); err != nil {
		return nil, nil, err
	}
	for name := range e.Properties {
		if _, ok := kind.byName[name]; !ok {
			return nil, nil, &SchemaError{Kind: kind.Name, Property: name, Reason: "undeclared property"}
		}
	}
	raw := make(map[string]Value, len(kind.Properties))
	for _, p := range kind.Properties {
		v, present := e.Properties[p.Name]
		if err := kind.checkProperty(p, v, present); err != nil {
			return nil, nil, err
		}
		if present {
			raw[p.StorageName] = v
		}
	}
	return kind, raw, nil
}
