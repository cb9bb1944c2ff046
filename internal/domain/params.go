package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Params is an insertion-ordered field map. The zero value is an empty map
// ready to use. Mutating methods take a pointer receiver; callers that hand a
// Params to another component should Clone it first.
type Params struct {
	keys   []string
	values map[string]interface{}
}

// NewParams returns an empty Params.
func NewParams() Params {
	return Params{values: map[string]interface{}{}}
}

// Pairs builds Params from alternating key/value arguments, in order.
// It panics on an odd argument count or a non-string key.
func Pairs(kv ...interface{}) Params {
	if len(kv)%2 != 0 {
		panic("domain.Pairs: odd number of arguments")
	}
	p := NewParams()
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("domain.Pairs: key %v is not a string", kv[i]))
		}
		p.Set(key, kv[i+1])
	}
	return p
}

// ParamsFromMap builds Params from a plain map. Keys are sorted so the
// resulting order is deterministic.
func ParamsFromMap(m map[string]interface{}) Params {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	p := NewParams()
	for _, k := range keys {
		p.Set(k, m[k])
	}
	return p
}

// Get returns the value stored under key.
func (p Params) Get(key string) (interface{}, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Value returns the value stored under key, or nil.
func (p Params) Value(key string) interface{} {
	return p.values[key]
}

// Has reports whether key is present (even with a nil value).
func (p Params) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Set stores value under key, appending key if it is new.
func (p *Params) Set(key string, value interface{}) {
	if p.values == nil {
		p.values = map[string]interface{}{}
	}
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Delete removes key.
func (p *Params) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			break
		}
	}
}

// Rename moves the value under src to dst, keeping src's position.
// A missing src is a no-op.
func (p *Params) Rename(src, dst string) {
	if src == dst || !p.Has(src) {
		return
	}
	v := p.values[src]
	if p.Has(dst) {
		p.Delete(dst)
	}
	for i, k := range p.keys {
		if k == src {
			p.keys[i] = dst
			break
		}
	}
	delete(p.values, src)
	p.values[dst] = v
}

// Keys returns a copy of the keys in insertion order.
func (p Params) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of fields.
func (p Params) Len() int {
	return len(p.keys)
}

// Clone returns a shallow copy that can be mutated independently.
func (p Params) Clone() Params {
	out := Params{
		keys:   make([]string, len(p.keys)),
		values: make(map[string]interface{}, len(p.values)),
	}
	copy(out.keys, p.keys)
	for k, v := range p.values {
		out.values[k] = v
	}
	return out
}

// Merge sets every field of other on p, in other's order.
func (p *Params) Merge(other Params) {
	for _, k := range other.keys {
		p.Set(k, other.values[k])
	}
}

// Map returns the fields as a plain map.
func (p Params) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order. Numbers are
// kept as json.Number so decimals survive the round trip.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = NewParams()
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("params: expected JSON object, got %v", tok)
	}

	out := NewParams()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("params: expected string key, got %v", keyTok)
		}
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("params: decode field %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
