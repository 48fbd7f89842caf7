package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// FieldKind classifies an entity field so the codec and the apply logic can
// handle it without runtime reflection. The set mirrors what the central
// server's payloads can carry.
type FieldKind string

const (
	KindScalar   FieldKind = "scalar"
	KindDate     FieldKind = "date"
	KindDateTime FieldKind = "datetime"
	KindDecimal  FieldKind = "decimal"
	KindUUID     FieldKind = "uuid"
	KindFK       FieldKind = "fk"
	KindFile     FieldKind = "file"
)

// FieldDescriptor describes one synchronizable field of an entity type.
// Unique marks alternate unique keys (besides the primary key) so that
// apply-time conflicts are detected by structured lookup, never by parsing
// database error strings.
type FieldDescriptor struct {
	Name   string
	Kind   FieldKind
	Unique bool
}

// EntityType binds a wire label to its field descriptor table and the host
// storage handle the sync engine reads and writes instances through.
type EntityType struct {
	Label  string
	Fields []FieldDescriptor
	Store  Store
}

// Field returns the descriptor for name, if declared.
func (et *EntityType) Field(name string) (FieldDescriptor, bool) {
	for _, fd := range et.Fields {
		if fd.Name == name {
			return fd, true
		}
	}
	return FieldDescriptor{}, false
}

// UniqueFields lists the entity's declared alternate unique keys.
func (et *EntityType) UniqueFields() []string {
	var names []string
	for _, fd := range et.Fields {
		if fd.Unique {
			names = append(names, fd.Name)
		}
	}
	return names
}

// ErrNotRegistered is returned when a remote change references an entity
// type this node does not know about.
var ErrNotRegistered = errors.New("entity type not registered")

// Registry is the node's whitelist of synchronizable entity types. Only
// registered labels are accepted from the central server, and only
// registered fields survive serialization.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*EntityType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*EntityType)}
}

// Register adds an entity type. Re-registering a label is a configuration
// bug and fails loudly.
func (r *Registry) Register(et *EntityType) error {
	if et.Label == "" {
		return errors.New("entity type label must not be empty")
	}
	if et.Store == nil {
		return fmt.Errorf("entity type %q has no store", et.Label)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[et.Label]; exists {
		return fmt.Errorf("entity type %q already registered", et.Label)
	}
	r.types[et.Label] = et
	return nil
}

// Resolve maps a wire label to its entity type.
func (r *Registry) Resolve(label string) (*EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.types[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, label)
	}
	return et, nil
}

// Labels returns the registered labels in stable order.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, 0, len(r.types))
	for l := range r.types {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
