package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Value
	}{
		{"string", `"latte"`, String("latte")},
		{"int", `50`, Int(50)},
		{"integral float", `50.0`, Int(50)},
		{"negative", `-15`, Int(-15)},
		{"true", `true`, Bool(true)},
		{"false", `false`, Bool(false)},
		{"null", `null`, Null{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeValue_RejectsFractions(t *testing.T) {
	_, err := DecodeValue([]byte(`12.5`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-integral")
}

func TestObject_UnmarshalNested(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`{"name":"Latte","price_nok":50,"tags":["hot",1],"meta":{"enable":true}}`), &obj)
	require.NoError(t, err)

	name, ok := obj.Str("name")
	assert.True(t, ok)
	assert.Equal(t, "Latte", name)

	price, ok := obj.Int("price_nok")
	assert.True(t, ok)
	assert.Equal(t, int64(50), price)

	assert.Equal(t, Array{String("hot"), Int(1)}, obj["tags"])
	assert.Equal(t, Object{"enable": Bool(true)}, obj["meta"])

	_, ok = obj.Bool("name")
	assert.False(t, ok, "wrong type should not report ok")
}

func TestObject_MarshalSortedKeys(t *testing.T) {
	obj := Object{"b": Int(2), "a": String("x"), "c": Null{}}
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2,"c":null}`, string(data))
}

func TestObject_CloneIsDeep(t *testing.T) {
	orig := Object{"list": Array{String("a")}, "nested": Object{"k": Int(1)}}
	cp := orig.Clone()

	cp["list"].(Array)[0] = String("changed")
	cp["nested"].(Object)["k"] = Int(2)

	assert.Equal(t, String("a"), orig["list"].(Array)[0])
	assert.Equal(t, Int(1), orig["nested"].(Object)["k"])
}

func TestFromGo_RoundTrip(t *testing.T) {
	in := map[string]any{
		"name":    "Mocha",
		"price":   float64(45),
		"enabled": true,
		"keys":    []any{"k1", "k2"},
		"none":    nil,
	}
	v, err := FromGo(in)
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Int(45), obj["price"])
	assert.Equal(t, Null{}, obj["none"])

	back := ToGo(v).(map[string]any)
	assert.Equal(t, int64(45), back["price"])
	assert.Equal(t, []any{"k1", "k2"}, back["keys"])
}

func TestFromGo_RejectsFractionalFloat(t *testing.T) {
	_, err := FromGo(map[string]any{"x": 1.5})
	require.Error(t, err)
}

func TestRelation_IDs(t *testing.T) {
	assert.Equal(t, []RecordID{"c1"}, Ref("c1").IDs())
	assert.Nil(t, Ref("").IDs())
	assert.Equal(t, []RecordID{"a", "b"}, Refs{"a", "b"}.IDs())
	assert.Equal(t, []RecordID{"m1"}, Expanded{Record: Record{ID: "m1"}}.IDs())
	assert.Equal(t, []RecordID{"x", "y"}, ExpandedList{{ID: "x"}, {ID: "y"}}.IDs())

	assert.Equal(t, RecordID("a"), FirstID(Refs{"a", "b"}))
	assert.Equal(t, RecordID(""), FirstID(nil))
	assert.Equal(t, RecordID(""), FirstID(Refs{}))
}

func TestRecord_CloneDoesNotShareRelations(t *testing.T) {
	r := Record{
		ID:        "o1",
		Fields:    Object{"state": String("received")},
		Relations: map[string]Relation{"items": Refs{"oi1"}},
	}
	cp := r.Clone()
	cp.Relations["items"].(Refs)[0] = "other"
	cp.Fields["state"] = String("completed")

	assert.Equal(t, Refs{"oi1"}, r.Relations["items"])
	assert.Equal(t, String("received"), r.Fields["state"])
}

func TestParseAction(t *testing.T) {
	for _, name := range []string{"create", "update", "delete"} {
		a, err := ParseAction(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.String())
	}

	_, err := ParseAction("upsert")
	assert.Error(t, err)
}
