package registry

import (
	"context"
	"reflect"
	"sync"
)

// MemStore is an in-memory Store. It backs tests and hosts that keep entity
// state outside a SQL database, and enforces the declared unique fields the
// same way a relational constraint would.
type MemStore struct {
	mu     sync.RWMutex
	fields []FieldDescriptor
	rows   map[string]Fields
}

func NewMemStore(fields []FieldDescriptor) *MemStore {
	return &MemStore{
		fields: fields,
		rows:   make(map[string]Fields),
	}
}

func (s *MemStore) Get(ctx context.Context, id string) (Fields, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

func (s *MemStore) Upsert(ctx context.Context, id string, fields Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fd := range s.fields {
		if !fd.Unique {
			continue
		}
		val, present := fields[fd.Name]
		if !present || val == nil {
			continue
		}
		for otherID, other := range s.rows {
			if otherID == id {
				continue
			}
			if sameValue(other[fd.Name], val) {
				return &UniqueViolationError{Field: fd.Name, Value: val}
			}
		}
	}

	s.rows[id] = fields.Clone()
	return nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *MemStore) FindByField(ctx context.Context, field string, value any) (string, Fields, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, row := range s.rows {
		if sameValue(row[field], value) {
			return id, row.Clone(), true, nil
		}
	}
	return "", nil, false, nil
}

// sameValue compares field values without the == panic on non-comparable
// dynamic types such as byte slices.
func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func (s *MemStore) AttachFile(ctx context.Context, id, field, filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	row[field] = FileValue{Filename: filename, Data: buf}
	return nil
}

// Len reports the number of stored instances.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
