package message

import "net/textproto"

// Header is an ordered collection of key/value pairs with
// case-insensitive keys. Keys keep their first-insertion order, which
// adapters rely on when serializing back onto the wire.
type Header struct {
	keys   []string
	values map[string][]string
}

// NewHeader creates an empty Header.
func NewHeader() *Header {
	return &Header{values: make(map[string][]string)}
}

// Set replaces any existing values for key.
func (h *Header) Set(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.values[k] = []string{value}
}

// Add appends value to the values for key.
func (h *Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.values[k] = append(h.values[k], value)
}

// Get returns the first value for key, or "" if absent.
func (h *Header) Get(key string) string {
	vs := h.values[textproto.CanonicalMIMEHeaderKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key.
func (h *Header) Values(key string) []string {
	return h.values[textproto.CanonicalMIMEHeaderKey(key)]
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	_, ok := h.values[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Del removes all values for key.
func (h *Header) Del(key string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, existing := range h.keys {
		if existing == k {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (h *Header) Keys() []string {
	keys := make([]string, len(h.keys))
	copy(keys, h.keys)
	return keys
}

// Len returns the number of distinct keys.
func (h *Header) Len() int {
	return len(h.keys)
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	clone := NewHeader()
	for _, k := range h.keys {
		vs := h.values[k]
		copied := make([]string, len(vs))
		copy(copied, vs)
		clone.keys = append(clone.keys, k)
		clone.values[k] = copied
	}
	return clone
}
