// Package canonical implements deterministic, key-sorted serialization of
// JSON-like values. The encoder is the exact input to payload signing, so
// signer and verifier must agree byte for byte: object keys are ordered
// lexicographically at every depth, numbers keep their textual form, and
// nothing depends on locale, platform, or insertion order.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Encode returns the canonical byte representation of v. Two semantically
// equal values always encode to identical bytes.
//
// v must be JSON-marshalable; passing cycles, funcs or channels is a
// programmer error and panics.
func Encode(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("canonical: unsupported value: %v", err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		panic(fmt.Sprintf("canonical: decode: %v", err))
	}
	var buf bytes.Buffer
	write(&buf, tree)
	return buf.Bytes()
}

func write(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			write(buf, el)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			write(buf, t[k])
		}
		buf.WriteByte('}')
	default:
		panic(fmt.Sprintf("canonical: unexpected node type %T", v))
	}
}
