package store_test

import (
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/keystone/store"
)

func TestValue_JSONRoundTrip(t *testing.T) {
	ts := time.Date(2023, 10, 1, 8, 0, 0, 999, time.FixedZone("CEST", 2*3600))
	tests := []struct {
		name  string
		value store.Value
	}{
		{"null", store.Null()},
		{"string", store.String("héllo")},
		{"empty string", store.String("")},
		{"int", store.Int(7)},
		{"max int64", store.Int(math.MaxInt64)},
		{"min int64", store.Int(math.MinInt64)},
		{"bool", store.Bool(false)},
		{"float", store.Float(0.1)},
		{"whole float", store.Float(2)},
		{"tiny float", store.Float(math.SmallestNonzeroFloat64)},
		{"nan", store.Float(math.NaN())},
		{"+inf", store.Float(math.Inf(1))},
		{"-inf", store.Float(math.Inf(-1))},
		{"key", store.KeyValue(store.NameKey("Setting", "a/b"))},
		{"bytes", store.Bytes([]byte("\x00\xffbin"))},
		{"empty bytes", store.Bytes(nil)},
		{"time", store.Time(ts)},
		{"array", store.Array(store.String("a"), store.String("b"))},
		{"empty array", store.Array()},
		{"mixed array", store.Array(store.Int(math.MinInt64), store.Float(math.NaN()), store.KeyValue(store.IDKey("Account", 1)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.value)
			require.NoError(t, err)
			var got store.Value
			require.NoError(t, json.Unmarshal(data, &got))
			assert.True(t, tt.value.Equal(got), "%s decoded from %s as %s", tt.value, data, got)
			assert.Equal(t, tt.value.Type(), got.Type())
		})
	}
}

func TestValue_WireForm(t *testing.T) {
	tests := []struct {
		value store.Value
		want  string
	}{
		{store.Null(), `{"nullValue":{}}`},
		{store.Int(math.MaxInt64), `{"integerValue":"9223372036854775807"}`},
		{store.Float(1.5), `{"doubleValue":1.5}`},
		{store.Float(math.NaN()), `{"doubleValue":"NaN"}`},
		{store.Bool(true), `{"booleanValue":true}`},
		{store.KeyValue(store.IDKey("Account", 7)), `{"keyValue":"Account,i7"}`},
		{store.Bytes([]byte("hi")), `{"blobValue":"aGk="}`},
		{store.Array(store.String("x"), store.Int(2)), `{"arrayValue":{"values":[{"stringValue":"x"},{"integerValue":"2"}]}}`},
		{store.Array(), `{"arrayValue":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			data, err := json.Marshal(tt.value)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestValue_UnmarshalErrors(t *testing.T) {
	for _, data := range []string{
		`{"integerValue":"1.5"}`,
		`{"integerValue":"9223372036854775808"}`,
		`{"doubleValue":"one"}`,
		`{"keyValue":""}`,
		`{"blobValue":"%%%"}`,
		`{"timestampValue":"tomorrow"}`,
		`{"arrayValue":{"values":[{"integerValue":"x"}]}}`,
	} {
		t.Run(data, func(t *testing.T) {
			var v store.Value
			assert.Error(t, json.Unmarshal([]byte(data), &v))
		})
	}
}

func TestValue_MarshalEmptyKeyReference(t *testing.T) {
	_, err := json.Marshal(store.KeyValue(store.Key{}))
	assert.ErrorIs(t, err, store.ErrInvalidKey)

	_, err = json.Marshal(store.Array(store.KeyValue(store.Key{})))
	assert.ErrorIs(t, err, store.ErrInvalidKey)
}

func TestValue_Array(t *testing.T) {
	elems := []store.Value{store.String("a"), store.String("b")}
	v := store.Array(elems...)
	elems[0] = store.String("z")

	got, ok := v.AsArray()
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.True(t, store.String("a").Equal(got[0]), "Array copies its input")
	got[1] = store.String("z")
	again, _ := v.AsArray()
	assert.True(t, store.String("b").Equal(again[1]), "AsArray returns a copy")

	_, ok = store.String("a").AsArray()
	assert.False(t, ok)
	assert.Equal(t, `["a", "b"]`, v.String())

	assert.True(t, v.Equal(store.Array(store.String("a"), store.String("b"))))
	assert.False(t, v.Equal(store.Array(store.String("b"), store.String("a"))), "order matters")
	assert.False(t, v.Equal(store.Array(store.String("a"))))
	assert.True(t, store.Array().Equal(store.Array()))
}

func TestValue_Matches(t *testing.T) {
	tags := store.Array(store.String("red"), store.String("blue"))

	assert.True(t, tags.Matches(store.String("red")))
	assert.True(t, tags.Matches(store.String("blue")))
	assert.False(t, tags.Matches(store.String("green")))
	assert.False(t, tags.Matches(store.Int(1)))
	assert.True(t, tags.Matches(store.Array(store.String("red"), store.String("blue"))))
	assert.False(t, store.Array().Matches(store.String("red")))

	assert.True(t, store.Int(3).Matches(store.Int(3)))
	assert.False(t, store.Int(3).Matches(store.Int(4)))
}

func TestValue_IndexTokens(t *testing.T) {
	assert.Empty(t, store.Null().IndexTokens())
	assert.Empty(t, store.Array().IndexTokens())
	assert.Equal(t, []string{"s:a"}, store.String("a").IndexTokens())

	tokens := store.Array(store.String("b"), store.String("a"), store.String("b")).IndexTokens()
	assert.Equal(t, []string{"s:a", "s:b"}, tokens, "one token per distinct element")
}

func TestValue_Accessors(t *testing.T) {
	s, ok := store.String("x").AsString()
	assert.True(t, ok)
	assert.Equal(t, "x", s)

	_, ok = store.String("x").AsInt()
	assert.False(t, ok)

	raw := []byte("abc")
	v := store.Bytes(raw)
	raw[0] = 'z'
	b, ok := v.AsBytes()
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), b, "Bytes copies its input")

	ts, ok := store.Time(time.Unix(0, 0).In(time.FixedZone("X", 3600))).AsTime()
	require.True(t, ok)
	assert.Equal(t, time.UTC, ts.Location())

	assert.True(t, store.Value{}.IsNull())
	assert.Equal(t, "integer", store.TypeInt.String())
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, store.Float(math.NaN()).Equal(store.Float(math.NaN())))
	assert.False(t, store.Int(1).Equal(store.Float(1)))
	assert.False(t, store.String("1").Equal(store.Int(1)))
	assert.True(t, store.Null().Equal(store.Null()))
	assert.True(t, store.Time(time.Unix(5, 0)).Equal(store.Time(time.Unix(5, 0).In(time.FixedZone("Y", -3600)))))
}

func TestValue_TokenDistinguishesTypes(t *testing.T) {
	values := []store.Value{
		store.String("1"),
		store.Int(1),
		store.Float(1),
		store.Bool(true),
		store.String("true"),
		store.KeyValue(store.IDKey("A", 1)),
		store.String("A,i1"),
		store.Bytes([]byte("1")),
		store.Time(time.Unix(1, 0)),
		store.Null(),
		store.Array(store.String("1")),
		store.Array(store.String("1"), store.String("2")),
		store.Array(store.String(`1","s:2`)),
		store.Array(),
	}
	seen := make(map[string]store.Value)
	for _, v := range values {
		tok := v.Token()
		if prev, dup := seen[tok]; dup {
			t.Fatalf("%s and %s share token %q", prev, v, tok)
		}
		seen[tok] = v
	}
}
