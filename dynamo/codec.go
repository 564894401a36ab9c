package dynamo

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/keystone/store"
)

// Attribute names of entity, index and counter items.
const (
	attrPK       = "pk"
	attrSK       = "sk"
	attrKind     = "kind"
	attrVersion  = "version"
	attrProps    = "props"
	attrIndexPKs = "_index_pks"
	attrNext     = "next"
)

// Tags of the single-key maps used for values DynamoDB has no native type for.
const (
	tagFloat = "float"
	tagKey   = "key"
	tagTime  = "time"
)

// ErrBadItem is returned when an item read from DynamoDB cannot be decoded.
var ErrBadItem = errors.New("dynamo: malformed item")

// encodeValue converts a store value into its attribute representation. Arrays
// become lists.
func encodeValue(v store.Value) (types.AttributeValue, error) {
	switch v.Type() {
	case store.TypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case store.TypeString:
		s, _ := v.AsString()
		return &types.AttributeValueMemberS{Value: s}, nil
	case store.TypeInt:
		i, _ := v.AsInt()
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(i, 10)}, nil
	case store.TypeBool:
		b, _ := v.AsBool()
		return &types.AttributeValueMemberBOOL{Value: b}, nil
	case store.TypeBytes:
		b, _ := v.AsBytes()
		return &types.AttributeValueMemberB{Value: b}, nil
	case store.TypeFloat:
		f, _ := v.AsFloat()
		return tagged(tagFloat, strconv.FormatFloat(f, 'g', -1, 64)), nil
	case store.TypeKey:
		k, _ := v.AsKey()
		if k.IsZero() {
			return nil, fmt.Errorf("%w: empty key reference", store.ErrInvalidKey)
		}
		return tagged(tagKey, k.String()), nil
	case store.TypeTime:
		t, _ := v.AsTime()
		return tagged(tagTime, t.Format(time.RFC3339Nano)), nil
	case store.TypeArray:
		elems, _ := v.AsArray()
		list := make([]types.AttributeValue, len(elems))
		for i, e := range elems {
			av, err := encodeValue(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			list[i] = av
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	}
	return nil, fmt.Errorf("dynamo: cannot encode %s value", v.Type())
}

func tagged(tag, s string) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		tag: &types.AttributeValueMemberS{Value: s},
	}}
}

// decodeValue converts an attribute back into a store value.
func decodeValue(av types.AttributeValue) (store.Value, error) {
	switch a := av.(type) {
	case *types.AttributeValueMemberNULL:
		return store.Null(), nil
	case *types.AttributeValueMemberS:
		return store.String(a.Value), nil
	case *types.AttributeValueMemberN:
		i, err := strconv.ParseInt(a.Value, 10, 64)
		if err != nil {
			return store.Value{}, fmt.Errorf("%w: number %q is not an int64", ErrBadItem, a.Value)
		}
		return store.Int(i), nil
	case *types.AttributeValueMemberBOOL:
		return store.Bool(a.Value), nil
	case *types.AttributeValueMemberB:
		return store.Bytes(a.Value), nil
	case *types.AttributeValueMemberM:
		return decodeTagged(a.Value)
	case *types.AttributeValueMemberL:
		elems := make([]store.Value, len(a.Value))
		for i, e := range a.Value {
			v, err := decodeValue(e)
			if err != nil {
				return store.Value{}, err
			}
			elems[i] = v
		}
		return store.Array(elems...), nil
	}
	return store.Value{}, fmt.Errorf("%w: unsupported attribute %T", ErrBadItem, av)
}

func decodeTagged(m map[string]types.AttributeValue) (store.Value, error) {
	if len(m) != 1 {
		return store.Value{}, fmt.Errorf("%w: tagged value has %d members", ErrBadItem, len(m))
	}
	for tag, av := range m {
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return store.Value{}, fmt.Errorf("%w: tagged %q value is %T", ErrBadItem, tag, av)
		}
		switch tag {
		case tagFloat:
			f, err := strconv.ParseFloat(s.Value, 64)
			if err != nil {
				return store.Value{}, fmt.Errorf("%w: float %q", ErrBadItem, s.Value)
			}
			return store.Float(f), nil
		case tagKey:
			k, err := store.ParseKey(s.Value)
			if err != nil {
				return store.Value{}, fmt.Errorf("%w: %w", ErrBadItem, err)
			}
			return store.KeyValue(k), nil
		case tagTime:
			t, err := time.Parse(time.RFC3339Nano, s.Value)
			if err != nil {
				return store.Value{}, fmt.Errorf("%w: time %q", ErrBadItem, s.Value)
			}
			return store.Time(t), nil
		}
		return store.Value{}, fmt.Errorf("%w: unknown value tag %q", ErrBadItem, tag)
	}
	panic("unreachable")
}

// entityItem is the decoded form of an entity table item.
type entityItem struct {
	key      store.Key
	version  int64
	props    map[string]store.Value
	indexPKs []string
}

// encodeEntity builds the entity table item.
func encodeEntity(key store.Key, version int64, props map[string]store.Value, indexPKs []string) (map[string]types.AttributeValue, error) {
	m := make(map[string]types.AttributeValue, len(props))
	for name, v := range props {
		av, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		m[name] = av
	}
	item := map[string]types.AttributeValue{
		attrPK:      &types.AttributeValueMemberS{Value: key.String()},
		attrKind:    &types.AttributeValueMemberS{Value: key.Kind()},
		attrVersion: &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		attrProps:   &types.AttributeValueMemberM{Value: m},
	}
	if len(indexPKs) > 0 {
		list, err := attributevalue.MarshalList(indexPKs)
		if err != nil {
			return nil, fmt.Errorf("marshal index pks: %w", err)
		}
		item[attrIndexPKs] = &types.AttributeValueMemberL{Value: list}
	}
	return item, nil
}

// decodeEntity parses an entity table item.
func decodeEntity(item map[string]types.AttributeValue) (*entityItem, error) {
	pk, ok := item[attrPK].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrBadItem, attrPK)
	}
	key, err := store.ParseKey(pk.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadItem, err)
	}
	out := &entityItem{key: key, props: make(map[string]store.Value)}

	if v, ok := item[attrVersion].(*types.AttributeValueMemberN); ok {
		out.version, err = strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: version %q", ErrBadItem, v.Value)
		}
	}
	if m, ok := item[attrProps].(*types.AttributeValueMemberM); ok {
		for name, av := range m.Value {
			v, err := decodeValue(av)
			if err != nil {
				return nil, fmt.Errorf("%s property %q: %w", key, name, err)
			}
			out.props[name] = v
		}
	}
	if l, ok := item[attrIndexPKs]; ok {
		if err := attributevalue.Unmarshal(l, &out.indexPKs); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBadItem, attrIndexPKs, err)
		}
	}
	return out, nil
}
