package store

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ValueType enumerates the property value variants.
type ValueType int

// Value types. TypeArray values hold elements of one non-array type.
const (
	TypeNull ValueType = iota
	TypeString
	TypeInt
	TypeBool
	TypeFloat
	TypeKey
	TypeBytes
	TypeTime
	TypeArray
)

var typeNames = [...]string{"null", "string", "integer", "boolean", "float", "key", "bytes", "timestamp", "array"}

func (t ValueType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "ValueType(" + strconv.Itoa(int(t)) + ")"
	}
	return typeNames[t]
}

// Value is a single property value. The zero Value is null.
type Value struct {
	typ ValueType
	s   string
	i   int64
	f   float64
	b   bool
	k   Key
	raw []byte
	t   time.Time
	arr []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{typ: TypeString, s: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{typ: TypeInt, i: i} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }

// Float returns a float value.
func Float(f float64) Value { return Value{typ: TypeFloat, f: f} }

// KeyValue returns a reference to the entity stored under k.
func KeyValue(k Key) Value { return Value{typ: TypeKey, k: k} }

// Time returns a timestamp value, normalized to UTC.
func Time(t time.Time) Value { return Value{typ: TypeTime, t: t.UTC()} }

// Bytes returns a blob value holding a copy of b.
func Bytes(b []byte) Value {
	return Value{typ: TypeBytes, raw: bytes.Clone(b)}
}

// Array returns an array value holding a copy of elems.
func Array(elems ...Value) Value {
	return Value{typ: TypeArray, arr: slices.Clone(elems)}
}

// Type returns the variant of v.
func (v Value) Type() ValueType { return v.typ }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// AsString returns the string held by v and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }

// AsInt returns the integer held by v and whether v is an integer.
func (v Value) AsInt() (int64, bool) { return v.i, v.typ == TypeInt }

// AsBool returns the boolean held by v and whether v is a boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBool }

// AsFloat returns the float held by v and whether v is a float.
func (v Value) AsFloat() (float64, bool) { return v.f, v.typ == TypeFloat }

// AsKey returns the key referenced by v and whether v is a key reference.
func (v Value) AsKey() (Key, bool) { return v.k, v.typ == TypeKey }

// AsTime returns the timestamp held by v and whether v is a timestamp.
func (v Value) AsTime() (time.Time, bool) { return v.t, v.typ == TypeTime }

// AsBytes returns a copy of the blob held by v and whether v is a blob.
func (v Value) AsBytes() ([]byte, bool) { return bytes.Clone(v.raw), v.typ == TypeBytes }

// AsArray returns a copy of the elements of v and whether v is an array.
func (v Value) AsArray() ([]Value, bool) { return slices.Clone(v.arr), v.typ == TypeArray }

// Equal reports whether both values have the same type and content.
// Floats compare bitwise so NaN equals NaN.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeString:
		return v.s == o.s
	case TypeInt:
		return v.i == o.i
	case TypeBool:
		return v.b == o.b
	case TypeFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case TypeKey:
		return v.k.Equal(o.k)
	case TypeBytes:
		return bytes.Equal(v.raw, o.raw)
	case TypeTime:
		return v.t.Equal(o.t)
	case TypeArray:
		return slices.EqualFunc(v.arr, o.arr, Value.Equal)
	}
	return false
}

// Matches reports whether an equality filter on filter selects v. Arrays match
// when any element equals filter.
func (v Value) Matches(filter Value) bool {
	if v.typ == TypeArray && filter.typ != TypeArray {
		return slices.ContainsFunc(v.arr, filter.Equal)
	}
	return v.Equal(filter)
}

// IndexTokens returns the distinct tokens under which v is indexed: one per
// element for arrays, none for null.
func (v Value) IndexTokens() []string {
	switch v.typ {
	case TypeNull:
		return nil
	case TypeArray:
		tokens := make([]string, 0, len(v.arr))
		for _, e := range v.arr {
			tokens = append(tokens, e.IndexTokens()...)
		}
		slices.Sort(tokens)
		return slices.Compact(tokens)
	}
	return []string{v.Token()}
}

// Token returns a canonical string for v, distinct across types. Stores use it to
// build index keys for exact-match lookups.
func (v Value) Token() string {
	switch v.typ {
	case TypeString:
		return "s:" + v.s
	case TypeInt:
		return "i:" + strconv.FormatInt(v.i, 10)
	case TypeBool:
		return "b:" + strconv.FormatBool(v.b)
	case TypeFloat:
		return "f:" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeKey:
		return "k:" + v.k.String()
	case TypeBytes:
		return "y:" + base64.StdEncoding.EncodeToString(v.raw)
	case TypeTime:
		return "t:" + v.t.Format(time.RFC3339Nano)
	case TypeArray:
		tokens := make([]string, len(v.arr))
		for i, e := range v.arr {
			tokens[i] = strconv.Quote(e.Token())
		}
		return "a:" + strings.Join(tokens, ",")
	}
	return "n:"
}

func (v Value) String() string {
	switch v.typ {
	case TypeString:
		return strconv.Quote(v.s)
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeKey:
		return v.k.String()
	case TypeBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	case TypeTime:
		return v.t.Format(time.RFC3339Nano)
	case TypeArray:
		elems := make([]string, len(v.arr))
		for i, e := range v.arr {
			elems[i] = e.String()
		}
		return "[" + strings.Join(elems, ", ") + "]"
	}
	return "null"
}

// wireValue is the JSON form of a Value. Integers travel as decimal strings so no
// precision is lost in JSON number handling.
type wireValue struct {
	Null      *struct{}       `json:"nullValue,omitempty"`
	String    *string         `json:"stringValue,omitempty"`
	Integer   *string         `json:"integerValue,omitempty"`
	Boolean   *bool           `json:"booleanValue,omitempty"`
	Double    json.RawMessage `json:"doubleValue,omitempty"`
	Key       *string         `json:"keyValue,omitempty"`
	Blob      *string         `json:"blobValue,omitempty"`
	Timestamp *string         `json:"timestampValue,omitempty"`
	Array     *wireArray      `json:"arrayValue,omitempty"`
}

type wireArray struct {
	Values []Value `json:"values,omitempty"`
}

// MarshalJSON encodes v in its wire form, e.g. {"integerValue":"42"}.
func (v Value) MarshalJSON() ([]byte, error) {
	var w wireValue
	switch v.typ {
	case TypeNull:
		w.Null = &struct{}{}
	case TypeString:
		w.String = &v.s
	case TypeInt:
		s := strconv.FormatInt(v.i, 10)
		w.Integer = &s
	case TypeBool:
		w.Boolean = &v.b
	case TypeFloat:
		w.Double = encodeDouble(v.f)
	case TypeKey:
		if v.k.IsZero() {
			return nil, fmt.Errorf("%w: key reference is empty", ErrInvalidKey)
		}
		s := v.k.String()
		w.Key = &s
	case TypeBytes:
		s := base64.StdEncoding.EncodeToString(v.raw)
		w.Blob = &s
	case TypeTime:
		s := v.t.Format(time.RFC3339Nano)
		w.Timestamp = &s
	case TypeArray:
		w.Array = &wireArray{Values: v.arr}
	default:
		return nil, fmt.Errorf("keystone: cannot encode %s", v.typ)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.String != nil:
		*v = String(*w.String)
	case w.Integer != nil:
		i, err := strconv.ParseInt(*w.Integer, 10, 64)
		if err != nil {
			return fmt.Errorf("keystone: integerValue: %w", err)
		}
		*v = Int(i)
	case w.Boolean != nil:
		*v = Bool(*w.Boolean)
	case w.Double != nil:
		f, err := decodeDouble(w.Double)
		if err != nil {
			return err
		}
		*v = Float(f)
	case w.Key != nil:
		k, err := ParseKey(*w.Key)
		if err != nil {
			return err
		}
		*v = KeyValue(k)
	case w.Blob != nil:
		b, err := base64.StdEncoding.DecodeString(*w.Blob)
		if err != nil {
			return fmt.Errorf("keystone: blobValue: %w", err)
		}
		*v = Value{typ: TypeBytes, raw: b}
	case w.Timestamp != nil:
		t, err := time.Parse(time.RFC3339Nano, *w.Timestamp)
		if err != nil {
			return fmt.Errorf("keystone: timestampValue: %w", err)
		}
		*v = Time(t)
	case w.Array != nil:
		*v = Value{typ: TypeArray, arr: w.Array.Values}
	default:
		*v = Null()
	}
	return nil
}

func encodeDouble(f float64) json.RawMessage {
	switch {
	case math.IsNaN(f):
		return json.RawMessage(`"NaN"`)
	case math.IsInf(f, 1):
		return json.RawMessage(`"Infinity"`)
	case math.IsInf(f, -1):
		return json.RawMessage(`"-Infinity"`)
	}
	return json.RawMessage(strconv.FormatFloat(f, 'g', -1, 64))
}

func decodeDouble(raw json.RawMessage) (float64, error) {
	switch string(raw) {
	case `"NaN"`:
		return math.NaN(), nil
	case `"Infinity"`:
		return math.Inf(1), nil
	case `"-Infinity"`:
		return math.Inf(-1), nil
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("keystone: doubleValue: %w", err)
	}
	return f, nil
}
