package store

import (
	"cmp"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Segment is one (kind, identifier) element of a key path.
// A segment with neither ID nor Name is pending: the store has not assigned it yet.
type Segment struct {
	Kind string
	ID   int64
	Name string
}

// IsPending reports whether the segment has no identifier yet.
func (s Segment) IsPending() bool { return s.ID == 0 && s.Name == "" }

func (s Segment) validate() error {
	if s.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidKey)
	}
	if s.ID != 0 && s.Name != "" {
		return fmt.Errorf("%w: segment %q has both id and name", ErrInvalidKey, s.Kind)
	}
	return nil
}

// Key identifies an entity by its path, root ancestor first and the entity itself last.
// Keys are immutable values; every operation returns a new Key.
type Key struct {
	path []Segment
}

// NewKey returns a pending key of the given kind with no ancestors.
func NewKey(kind string) Key {
	return Key{path: []Segment{{Kind: kind}}}
}

// IDKey returns a key of the given kind assigned by numeric id.
func IDKey(kind string, id int64) Key {
	return Key{path: []Segment{{Kind: kind, ID: id}}}
}

// NameKey returns a key of the given kind assigned by name.
func NameKey(kind, name string) Key {
	return Key{path: []Segment{{Kind: kind, Name: name}}}
}

// NewKeyFromPath builds a key from its segments, root first.
// Only the last segment may be pending.
func NewKeyFromPath(segments ...Segment) (Key, error) {
	if len(segments) == 0 {
		return Key{}, fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	for i, s := range segments {
		if err := s.validate(); err != nil {
			return Key{}, err
		}
		if i < len(segments)-1 && s.IsPending() {
			return Key{}, fmt.Errorf("%w: %w: %s at position %d", ErrInvalidKey, ErrPendingAncestor, s.Kind, i)
		}
	}
	path := make([]Segment, len(segments))
	copy(path, segments)
	return Key{path: path}, nil
}

// WithAncestor returns a copy of k nested under parent.
func (k Key) WithAncestor(parent Key) (Key, error) {
	if parent.IsZero() {
		return Key{}, fmt.Errorf("%w: empty ancestor", ErrInvalidKey)
	}
	if parent.IsPending() {
		return Key{}, ErrPendingAncestor
	}
	path := make([]Segment, 0, len(parent.path)+len(k.path))
	path = append(path, parent.path...)
	path = append(path, k.path...)
	return Key{path: path}, nil
}

// AssignID returns a copy of k with the self segment resolved to id.
func (k Key) AssignID(id int64) (Key, error) {
	if id == 0 {
		return Key{}, fmt.Errorf("%w: id must be non-zero", ErrInvalidKey)
	}
	return k.assign(Segment{ID: id})
}

// AssignName returns a copy of k with the self segment resolved to name.
func (k Key) AssignName(name string) (Key, error) {
	if name == "" {
		return Key{}, fmt.Errorf("%w: name must be non-empty", ErrInvalidKey)
	}
	return k.assign(Segment{Name: name})
}

func (k Key) assign(s Segment) (Key, error) {
	if k.IsZero() {
		return Key{}, fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	if !k.IsPending() {
		return Key{}, ErrKeyAssigned
	}
	path := k.Path()
	s.Kind = path[len(path)-1].Kind
	path[len(path)-1] = s
	return Key{path: path}, nil
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool { return len(k.path) == 0 }

// IsPending reports whether the self segment is unassigned.
func (k Key) IsPending() bool { return !k.IsZero() && k.self().IsPending() }

// Kind returns the kind of the self segment.
func (k Key) Kind() string { return k.self().Kind }

// ID returns the numeric id of the self segment, or 0.
func (k Key) ID() int64 { return k.self().ID }

// Name returns the name of the self segment, or "".
func (k Key) Name() string { return k.self().Name }

// Parent returns the key of the closest ancestor.
func (k Key) Parent() (Key, bool) {
	if len(k.path) < 2 {
		return Key{}, false
	}
	return Key{path: k.path[:len(k.path)-1 : len(k.path)-1]}, true
}

// Path returns a copy of the segments, root first.
func (k Key) Path() []Segment {
	path := make([]Segment, len(k.path))
	copy(path, k.path)
	return path
}

func (k Key) self() Segment {
	if k.IsZero() {
		return Segment{}
	}
	return k.path[len(k.path)-1]
}

// Equal reports whether both keys have the same path.
func (k Key) Equal(other Key) bool { return k.Compare(other) == 0 }

// Compare orders keys segment by segment: kind, then pending before ids before names.
// A key sorts before any key it is a prefix of.
func (k Key) Compare(other Key) int {
	for i := 0; i < len(k.path) && i < len(other.path); i++ {
		if c := compareSegment(k.path[i], other.path[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(k.path), len(other.path))
}

func compareSegment(a, b Segment) int {
	if c := strings.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(segmentRank(a), segmentRank(b)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

func segmentRank(s Segment) int {
	switch {
	case s.IsPending():
		return 0
	case s.ID != 0:
		return 1
	default:
		return 2
	}
}

// String returns the text form of k, e.g. "Account,i7/Order,nfirst".
// Kinds and names are path-escaped so the form can be parsed back with ParseKey.
func (k Key) String() string {
	var b strings.Builder
	for i, s := range k.path {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(url.PathEscape(s.Kind))
		b.WriteByte(',')
		switch {
		case s.ID != 0:
			b.WriteByte('i')
			b.WriteString(strconv.FormatInt(s.ID, 10))
		case s.Name != "":
			b.WriteByte('n')
			b.WriteString(url.PathEscape(s.Name))
		}
	}
	return b.String()
}

// ParseKey parses the text form produced by Key.String.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	parts := strings.Split(s, "/")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		kind, ident, ok := strings.Cut(part, ",")
		if !ok {
			return Key{}, fmt.Errorf("%w: malformed segment %q", ErrInvalidKey, part)
		}
		kind, err := url.PathUnescape(kind)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		seg := Segment{Kind: kind}
		switch {
		case ident == "":
		case ident[0] == 'i':
			seg.ID, err = strconv.ParseInt(ident[1:], 10, 64)
			if err != nil || seg.ID == 0 {
				return Key{}, fmt.Errorf("%w: bad id in %q", ErrInvalidKey, part)
			}
		case ident[0] == 'n':
			seg.Name, err = url.PathUnescape(ident[1:])
			if err != nil || seg.Name == "" {
				return Key{}, fmt.Errorf("%w: bad name in %q", ErrInvalidKey, part)
			}
		default:
			return Key{}, fmt.Errorf("%w: malformed segment %q", ErrInvalidKey, part)
		}
		segments = append(segments, seg)
	}
	return NewKeyFromPath(segments...)
}
