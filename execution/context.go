package execution

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xraph/orchestra"
)

// Context maps task refs to their outputs. Keys are write-once and keep
// their insertion order, including across JSON round trips.
type Context struct {
	keys   []string
	values map[string]any
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Set records the output of ref. A second write to the same ref fails
// with orchestra.ErrContextKeyExists.
func (c *Context) Set(ref string, v any) error {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, exists := c.values[ref]; exists {
		return fmt.Errorf("%w: %s", orchestra.ErrContextKeyExists, ref)
	}
	c.keys = append(c.keys, ref)
	c.values[ref] = v
	return nil
}

// Lookup implements expr.Outputs.
func (c *Context) Lookup(ref string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[ref]
	return v, ok
}

// Has reports whether ref has been written.
func (c *Context) Has(ref string) bool {
	_, ok := c.Lookup(ref)
	return ok
}

// Keys returns the refs in insertion order.
func (c *Context) Keys() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.keys...)
}

// Len returns the number of entries.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// MarshalJSON writes the entries as an object in insertion order.
func (c *Context) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if c != nil {
		for i, k := range c.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			val, err := json.Marshal(c.values[k])
			if err != nil {
				return nil, fmt.Errorf("execution: context %q: %w", k, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping the document's key order.
func (c *Context) UnmarshalJSON(data []byte) error {
	c.keys = nil
	c.values = make(map[string]any)
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("execution: context must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("execution: context key %v is not a string", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("execution: context %q: %w", key, err)
		}
		if err := c.Set(key, v); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}
