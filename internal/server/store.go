package server

import "github.com/nyxcore/acpd/internal/acp"

// PropertyStore is the pluggable persistent property backing a Server
// (spec section 1: "the persistent property store (pluggable)"). Get/Set
// operate on a property's 4-byte name.
type PropertyStore interface {
	Get(name [4]byte) (acp.Property, bool)
	Set(p acp.Property) error
	// All returns every stored property. The request handlers in this
	// package answer GET_PROPERTY through Get alone, replying
	// CodeNotAvailable for a never-set property; they do not call All.
	All() []acp.Property
}

// MemoryStore is an in-memory, map-backed PropertyStore reference
// implementation, sufficient for daemon defaults and tests (spec
// section 1's persistent store is pluggable and otherwise out of scope).
type MemoryStore struct {
	values map[[4]byte]acp.Property
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[[4]byte]acp.Property)}
}

// Get returns the stored property named name, if any.
func (m *MemoryStore) Get(name [4]byte) (acp.Property, bool) {
	p, ok := m.values[name]
	return p, ok
}

// Set stores or replaces p, keyed by its Name.
func (m *MemoryStore) Set(p acp.Property) error {
	m.values[p.Name] = p
	return nil
}

// All returns every stored property in unspecified order.
func (m *MemoryStore) All() []acp.Property {
	out := make([]acp.Property, 0, len(m.values))
	for _, p := range m.values {
		out = append(out, p)
	}
	return out
}
