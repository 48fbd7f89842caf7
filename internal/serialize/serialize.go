// Package serialize converts entity field values to and from the JSON-safe
// payload form carried in change log entries and remote changes. Conversion
// is driven entirely by the registered field descriptors, so any entity
// type the host declares can round-trip without reflection.
package serialize

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outpostlabs/edgesync/internal/registry"
)

const (
	// DateLayout is the wire form of date-only fields.
	DateLayout = "2006-01-02"

	// InlineFileLimit caps the file size embedded as base64 in a payload.
	// Larger files are expected to travel as fetchable URLs instead.
	InlineFileLimit = 1 << 20
)

// ErrFileTooLarge is reported when a file field exceeds InlineFileLimit at
// capture time. The field is snapshotted as null; the mutation itself is
// never blocked.
var ErrFileTooLarge = errors.New("file exceeds inline payload limit")

// Snapshot builds the JSON-safe payload for an instance's fields. Fields
// without a descriptor are dropped (only declared fields synchronize).
// Per-field encoding failures null the field and are collected into the
// returned error; the snapshot itself is still usable.
func Snapshot(et *registry.EntityType, fields registry.Fields) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	var errs []error
	for _, fd := range et.Fields {
		val, present := fields[fd.Name]
		if !present {
			continue
		}
		encoded, err := EncodeValue(fd, val)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", fd.Name, err))
			out[fd.Name] = nil
			continue
		}
		out[fd.Name] = encoded
	}
	return out, errors.Join(errs...)
}

// EncodeValue converts one field value to its JSON-safe wire form:
// datetimes to RFC 3339, dates to ISO date strings, decimals and UUIDs to
// strings, foreign keys to the referenced primary key string, files to
// {filename, content} with base64 content.
func EncodeValue(fd registry.FieldDescriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch fd.Kind {
	case registry.KindDateTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		case string:
			return t, nil
		}
		return nil, fmt.Errorf("unsupported datetime value %T", v)

	case registry.KindDate:
		switch t := v.(type) {
		case time.Time:
			return t.Format(DateLayout), nil
		case string:
			return t, nil
		}
		return nil, fmt.Errorf("unsupported date value %T", v)

	case registry.KindDecimal:
		switch d := v.(type) {
		case decimal.Decimal:
			return d.String(), nil
		case string:
			if _, err := decimal.NewFromString(d); err != nil {
				return nil, fmt.Errorf("invalid decimal %q: %w", d, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(d).String(), nil
		case int:
			return decimal.NewFromInt(int64(d)).String(), nil
		case int64:
			return decimal.NewFromInt(d).String(), nil
		}
		return nil, fmt.Errorf("unsupported decimal value %T", v)

	case registry.KindUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u.String(), nil
		case string:
			if _, err := uuid.Parse(u); err != nil {
				return nil, fmt.Errorf("invalid uuid %q: %w", u, err)
			}
			return u, nil
		}
		return nil, fmt.Errorf("unsupported uuid value %T", v)

	case registry.KindFK:
		return ReferenceString(v), nil

	case registry.KindFile:
		switch f := v.(type) {
		case registry.FileValue:
			if len(f.Data) > InlineFileLimit {
				return nil, ErrFileTooLarge
			}
			return map[string]any{
				"filename": f.Filename,
				"content":  base64.StdEncoding.EncodeToString(f.Data),
			}, nil
		case string:
			// Already a remote URL marker; pass through untouched.
			return f, nil
		}
		return nil, fmt.Errorf("unsupported file value %T", v)

	default:
		return v, nil
	}
}

// DecodeValue converts a payload value back to its in-store form, the
// inverse of EncodeValue. File URL markers are passed through unchanged;
// resolving them is the apply logic's job.
func DecodeValue(fd registry.FieldDescriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch fd.Kind {
	case registry.KindDateTime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("datetime payload must be a string, got %T", v)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime %q: %w", s, err)
		}
		return t, nil

	case registry.KindDate:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("date payload must be a string, got %T", v)
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", s, err)
		}
		return t, nil

	case registry.KindDecimal:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("decimal payload must be a string, got %T", v)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		return d, nil

	case registry.KindUUID:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("uuid payload must be a string, got %T", v)
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		return u, nil

	case registry.KindFK:
		return ReferenceString(v), nil

	case registry.KindFile:
		switch f := v.(type) {
		case string:
			if IsFileURL(f) {
				return f, nil
			}
			return nil, fmt.Errorf("file payload string is not a URL: %q", f)
		case map[string]any:
			name, _ := f["filename"].(string)
			content, _ := f["content"].(string)
			data, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return nil, fmt.Errorf("invalid file content for %q: %w", name, err)
			}
			return registry.FileValue{Filename: name, Data: data}, nil
		}
		return nil, fmt.Errorf("unsupported file payload %T", v)

	default:
		return v, nil
	}
}

// ReferenceString renders a primary key or foreign key value in its
// canonical string form. Entity PKs may be integers or UUIDs; the wire
// format is always a string.
func ReferenceString(v any) string {
	switch pk := v.(type) {
	case string:
		return pk
	case int:
		return strconv.Itoa(pk)
	case int64:
		return strconv.FormatInt(pk, 10)
	case float64:
		// JSON numbers decode as float64; integral PKs must not grow ".0".
		if pk == float64(int64(pk)) {
			return strconv.FormatInt(int64(pk), 10)
		}
		return strconv.FormatFloat(pk, 'f', -1, 64)
	case uuid.UUID:
		return pk.String()
	default:
		return fmt.Sprintf("%v", pk)
	}
}

// IsFileURL reports whether a payload value is a remote file marker that
// must be downloaded before apply.
func IsFileURL(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
