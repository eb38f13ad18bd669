package rule

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Context is the immutable set of facts an expression is evaluated against.
type Context struct {
	fields map[string]Value
}

// NewContext copies fields into a new context.
func NewContext(fields map[string]Value) Context {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Context{fields: cp}
}

// ContextFromMap builds a context from plain Go values.
func ContextFromMap(raw map[string]any) (Context, error) {
	fields := make(map[string]Value, len(raw))
	for k, v := range raw {
		val, err := FromInterface(v)
		if err != nil {
			return Context{}, &FieldError{Field: k, Err: err}
		}
		fields[k] = val
	}
	return Context{fields: fields}, nil
}

// Get returns the value of field and whether it is present.
func (c Context) Get(field string) (Value, bool) {
	v, ok := c.fields[field]
	return v, ok
}

// With returns a new context with field set to v.
func (c Context) With(field string, v Value) Context {
	cp := make(map[string]Value, len(c.fields)+1)
	for k, existing := range c.fields {
		cp[k] = existing
	}
	cp[field] = v
	return Context{fields: cp}
}

// Fields returns the field names in sorted order.
func (c Context) Fields() []string {
	names := make([]string, 0, len(c.fields))
	for k := range c.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Map returns the context as plain Go values.
func (c Context) Map() map[string]any {
	out := make(map[string]any, len(c.fields))
	for k, v := range c.fields {
		out[k] = v.Interface()
	}
	return out
}

// Hash returns a stable fingerprint of the context contents.
func (c Context) Hash() uint64 {
	h := xxhash.New()
	for _, k := range c.Fields() {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(c.fields[k].String())
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
