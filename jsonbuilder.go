// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import (
	"bytes"

	gojson "github.com/goccy/go-json"
)

// jsonValue is a minimal, insertion-ordered JSON AST builder standing in
// for the original's ajson_t root (original_source/include/a-json-library
// is not part of the retrieved pack; goccy/go-json provides fast leaf
// marshaling, but nothing in the pack offers an order-preserving JSON
// object builder, so the tree itself is hand-rolled here — see DESIGN.md).
type jsonValue struct {
	isArray bool
	keys    []string      // parallel to vals when !isArray
	vals    []interface{} // raw Go values or *jsonValue for nested structures
}

func newJSONValue(arrayRoot bool) *jsonValue {
	return &jsonValue{isArray: arrayRoot}
}

// Set attaches key=val to an object root, appending (ajson_t semantics:
// last writer for a given key does not overwrite prior entries; this
// mirrors a JSON object builder that simply appends pairs).
func (v *jsonValue) Set(key string, val interface{}) *jsonValue {
	if v.isArray {
		return v
	}
	v.keys = append(v.keys, key)
	v.vals = append(v.vals, val)
	return v
}

// Append adds a value to an array root.
func (v *jsonValue) Append(val interface{}) *jsonValue {
	if !v.isArray {
		return v
	}
	v.vals = append(v.vals, val)
	return v
}

// Object creates a nested object value, attaches it under key (object
// roots) or appends it (array roots), and returns it for further building.
func (v *jsonValue) Object(key string) *jsonValue {
	child := newJSONValue(false)
	if v.isArray {
		v.Append(child)
	} else {
		v.Set(key, child)
	}
	return child
}

// Array creates a nested array value the same way Object does.
func (v *jsonValue) Array(key string) *jsonValue {
	child := newJSONValue(true)
	if v.isArray {
		v.Append(child)
	} else {
		v.Set(key, child)
	}
	return child
}

func (v *jsonValue) stringify() (string, error) {
	var buf bytes.Buffer
	if err := v.write(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (v *jsonValue) write(buf *bytes.Buffer) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	if v.isArray {
		buf.WriteByte('[')
		for i, val := range v.vals {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONLeaf(buf, val); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}
	buf.WriteByte('{')
	for i, k := range v.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := gojson.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := writeJSONLeaf(buf, v.vals[i]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONLeaf(buf *bytes.Buffer, val interface{}) error {
	if nested, ok := val.(*jsonValue); ok {
		return nested.write(buf)
	}
	b, err := gojson.Marshal(val)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
