package registry

import (
	"context"
	"fmt"
)

// Fields is a field-name to value mapping for one entity instance.
type Fields map[string]any

// Clone returns a shallow copy so callers can mutate without aliasing.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// FileValue is the in-store representation of a file field: the original
// filename plus raw content bytes.
type FileValue struct {
	Filename string
	Data     []byte
}

// UniqueViolationError reports that an upsert collided with an existing
// instance on a declared non-primary-key unique field. The conflicting
// field is identified structurally so callers can resolve the conflict by
// lookup instead of parsing driver error text.
type UniqueViolationError struct {
	Field string
	Value any
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique violation on field %q (value %v)", e.Field, e.Value)
}

// Store is the host application's storage handle for one entity type. The
// sync engine owns no business schema; everything it does to an instance
// goes through this interface.
//
// Upsert has full-replace semantics: create the instance if the primary key
// is absent, otherwise overwrite the provided fields. It must return
// *UniqueViolationError when a declared unique field collides with another
// instance, and must be idempotent under redelivery.
type Store interface {
	// Get returns the instance's current fields, or ok=false when absent.
	Get(ctx context.Context, id string) (Fields, bool, error)

	// Upsert creates or fully replaces the instance identified by id.
	Upsert(ctx context.Context, id string, fields Fields) error

	// Delete removes the instance. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error

	// FindByField locates an instance by an alternate unique field and
	// returns its primary key and fields, or ok=false when no match.
	FindByField(ctx context.Context, field string, value any) (id string, fields Fields, ok bool, err error)

	// AttachFile stores downloaded bytes against a file field of an
	// existing instance.
	AttachFile(ctx context.Context, id, field, filename string, data []byte) error
}
