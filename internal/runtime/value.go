package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is the materialized result of a match: a tree of nodes, strings,
// arrays, ordered objects, tagged variants, and null.
type Value interface {
	isValue()
	MarshalJSON() ([]byte, error)
}

// NodeValue wraps a tree node handle.
type NodeValue struct {
	Node Node
}

// StringValue is extracted node text.
type StringValue string

// ArrayValue is an ordered list.
type ArrayValue []Value

// ObjectValue is an insertion-ordered map.
type ObjectValue struct {
	Keys []string
	Vals []Value
}

// VariantValue is an enum payload with its tag.
type VariantValue struct {
	Tag     string
	Payload Value
}

// NullValue marks an absent optional.
type NullValue struct{}

func (NodeValue) isValue()    {}
func (StringValue) isValue()  {}
func (ArrayValue) isValue()   {}
func (*ObjectValue) isValue() {}
func (VariantValue) isValue() {}
func (NullValue) isValue()    {}

// Set inserts or replaces a key, preserving first-insertion order.
func (o *ObjectValue) Set(key string, v Value) {
	for i, k := range o.Keys {
		if k == key {
			o.Vals[i] = v
			return
		}
	}
	o.Keys = append(o.Keys, key)
	o.Vals = append(o.Vals, v)
}

// Get looks a key up.
func (o *ObjectValue) Get(key string) (Value, bool) {
	for i, k := range o.Keys {
		if k == key {
			return o.Vals[i], true
		}
	}
	return nil, false
}

func (v NodeValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"kind":  v.Node.Kind(),
		"start": v.Node.StartByte(),
		"end":   v.Node.EndByte(),
		"text":  v.Node.Text(),
	})
}

func (v StringValue) MarshalJSON() ([]byte, error) { return json.Marshal(string(v)) }

func (v ArrayValue) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(v))
}

func (v *ObjectValue) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range v.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		val := v.Vals[i]
		if val == nil {
			val = NullValue{}
		}
		vb, err := val.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (v VariantValue) MarshalJSON() ([]byte, error) {
	payload := v.Payload
	if payload == nil {
		payload = NullValue{}
	}
	pb, err := payload.MarshalJSON()
	if err != nil {
		return nil, err
	}
	tb, err := json.Marshal(v.Tag)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, `{"$tag":%s,"$data":%s}`, tb, pb), nil
}

func (NullValue) MarshalJSON() ([]byte, error) { return []byte("null"), nil }
