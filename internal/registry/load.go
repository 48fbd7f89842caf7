package registry

import (
	"encoding/json"
	"fmt"
	"os"
)

// EntityDef is the on-disk form of one entity type declaration. Hosts ship
// a JSON file listing every synchronizable entity, its backing table and
// its field descriptor table; the file is loaded once at startup.
type EntityDef struct {
	Label  string     `json:"label"`
	Table  string     `json:"table"`
	PKCol  string     `json:"pk_column"`
	PKKind string     `json:"pk_kind,omitempty"` // "int", "uuid" or "" for text
	Fields []FieldDef `json:"fields"`
}

type FieldDef struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Unique bool   `json:"unique,omitempty"`
}

var validKinds = map[FieldKind]bool{
	KindScalar:   true,
	KindDate:     true,
	KindDateTime: true,
	KindDecimal:  true,
	KindUUID:     true,
	KindFK:       true,
	KindFile:     true,
}

// Descriptors converts the raw field defs, rejecting unknown kinds.
func (d *EntityDef) Descriptors() ([]FieldDescriptor, error) {
	out := make([]FieldDescriptor, 0, len(d.Fields))
	for _, f := range d.Fields {
		kind := FieldKind(f.Kind)
		if !validKinds[kind] {
			return nil, fmt.Errorf("entity %q field %q: unknown kind %q", d.Label, f.Name, f.Kind)
		}
		// Conflict resolution looks instances up by unique value; file
		// documents have no usable equality for that.
		if f.Unique && kind == KindFile {
			return nil, fmt.Errorf("entity %q field %q: file fields cannot be unique", d.Label, f.Name)
		}
		out = append(out, FieldDescriptor{Name: f.Name, Kind: kind, Unique: f.Unique})
	}
	return out, nil
}

// LoadDefinitions reads the entity declaration file.
func LoadDefinitions(path string) ([]EntityDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entity definitions: %w", err)
	}
	var defs []EntityDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse entity definitions: %w", err)
	}
	for _, d := range defs {
		if d.Label == "" || d.Table == "" || d.PKCol == "" {
			return nil, fmt.Errorf("entity definition missing label, table or pk_column: %+v", d)
		}
	}
	return defs, nil
}
