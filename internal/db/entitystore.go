package db

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/outpostlabs/edgesync/internal/registry"
)

const pgUniqueViolation = "23505"

// PgEntityStore is a generic registry.Store over one Postgres table. The
// host declares the table, primary key column and field descriptor table at
// startup; every read and write is built from those descriptors. File
// fields live in jsonb columns as {filename, content} documents.
type PgEntityStore struct {
	pool   *pgxpool.Pool
	table  string
	pkCol  string
	pkKind string
	fields []registry.FieldDescriptor
}

func NewPgEntityStore(pool *pgxpool.Pool, def registry.EntityDef) (*PgEntityStore, error) {
	fields, err := def.Descriptors()
	if err != nil {
		return nil, err
	}
	return &PgEntityStore{
		pool:   pool,
		table:  def.Table,
		pkCol:  def.PKCol,
		pkKind: def.PKKind,
		fields: fields,
	}, nil
}

// pkValue converts the wire-form primary key string to the column's type.
func (s *PgEntityStore) pkValue(id string) (any, error) {
	switch s.pkKind {
	case "int":
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("primary key %q is not an integer: %w", id, err)
		}
		return n, nil
	case "uuid":
		u, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("primary key %q is not a uuid: %w", id, err)
		}
		return u, nil
	default:
		return id, nil
	}
}

func (s *PgEntityStore) columnList() string {
	cols := make([]string, 0, len(s.fields))
	for _, fd := range s.fields {
		cols = append(cols, fd.Name)
	}
	return strings.Join(cols, ", ")
}

func (s *PgEntityStore) Get(ctx context.Context, id string) (registry.Fields, bool, error) {
	pk, err := s.pkValue(id)
	if err != nil {
		return nil, false, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, s.columnList(), s.table, s.pkCol)
	rows, err := s.pool.Query(ctx, query, pk)
	if err != nil {
		return nil, false, fmt.Errorf("reading %s instance: %w", s.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	fields, err := s.scanRow(rows.Scan)
	if err != nil {
		return nil, false, err
	}
	return fields, true, rows.Err()
}

func (s *PgEntityStore) Upsert(ctx context.Context, id string, fields registry.Fields) error {
	pk, err := s.pkValue(id)
	if err != nil {
		return err
	}

	cols := []string{s.pkCol}
	args := []any{pk}
	for _, fd := range s.fields {
		val, present := fields[fd.Name]
		if !present {
			continue
		}
		bound, err := bindValue(fd, val)
		if err != nil {
			return fmt.Errorf("binding field %q: %w", fd.Name, err)
		}
		cols = append(cols, fd.Name)
		args = append(args, bound)
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	assignments := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		s.table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		s.pkCol,
		strings.Join(assignments, ", "),
	)
	if len(assignments) == 0 {
		query = fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`,
			s.table, s.pkCol, placeholders[0], s.pkCol,
		)
	}

	_, err = s.pool.Exec(ctx, query, args...)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return fmt.Errorf("upserting %s instance: %w", s.table, err)
	}

	// A declared alternate unique key collided. Identify which one by
	// structured lookup, never by parsing the constraint message.
	for _, fd := range s.fields {
		if !fd.Unique {
			continue
		}
		val, present := fields[fd.Name]
		if !present || val == nil {
			continue
		}
		bound, bindErr := bindValue(fd, val)
		if bindErr != nil {
			continue
		}
		var exists bool
		probe := fmt.Sprintf(
			`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1 AND %s <> $2)`,
			s.table, fd.Name, s.pkCol,
		)
		if probeErr := s.pool.QueryRow(ctx, probe, bound, pk).Scan(&exists); probeErr != nil {
			continue
		}
		if exists {
			return &registry.UniqueViolationError{Field: fd.Name, Value: val}
		}
	}
	return fmt.Errorf("upserting %s instance: %w", s.table, err)
}

func (s *PgEntityStore) Delete(ctx context.Context, id string) error {
	pk, err := s.pkValue(id)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, s.table, s.pkCol)
	if _, err := s.pool.Exec(ctx, query, pk); err != nil {
		return fmt.Errorf("deleting %s instance: %w", s.table, err)
	}
	return nil
}

func (s *PgEntityStore) FindByField(ctx context.Context, field string, value any) (string, registry.Fields, bool, error) {
	fd, ok := s.descriptor(field)
	if !ok {
		return "", nil, false, fmt.Errorf("field %q not declared for %s", field, s.table)
	}
	bound, err := bindValue(fd, value)
	if err != nil {
		return "", nil, false, err
	}

	query := fmt.Sprintf(
		`SELECT %s::text, %s FROM %s WHERE %s = $1 LIMIT 1`,
		s.pkCol, s.columnList(), s.table, field,
	)
	rows, err := s.pool.Query(ctx, query, bound)
	if err != nil {
		return "", nil, false, fmt.Errorf("looking up %s by %s: %w", s.table, field, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", nil, false, rows.Err()
	}
	var id string
	fields, err := s.scanRowWithPK(rows.Scan, &id)
	if err != nil {
		return "", nil, false, err
	}
	return id, fields, true, rows.Err()
}

func (s *PgEntityStore) AttachFile(ctx context.Context, id, field, filename string, data []byte) error {
	fd, ok := s.descriptor(field)
	if !ok || fd.Kind != registry.KindFile {
		return fmt.Errorf("field %q is not a file field of %s", field, s.table)
	}
	pk, err := s.pkValue(id)
	if err != nil {
		return err
	}
	doc := map[string]any{
		"filename": filename,
		"content":  base64.StdEncoding.EncodeToString(data),
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`, s.table, field, s.pkCol)
	if _, err := s.pool.Exec(ctx, query, doc, pk); err != nil {
		return fmt.Errorf("attaching file to %s.%s: %w", s.table, field, err)
	}
	return nil
}

func (s *PgEntityStore) descriptor(name string) (registry.FieldDescriptor, bool) {
	for _, fd := range s.fields {
		if fd.Name == name {
			return fd, true
		}
	}
	return registry.FieldDescriptor{}, false
}

// bindValue maps an in-store field value to a pgx-bindable parameter.
func bindValue(fd registry.FieldDescriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch fd.Kind {
	case registry.KindFile:
		fv, ok := v.(registry.FileValue)
		if !ok {
			return nil, fmt.Errorf("file field holds %T", v)
		}
		return map[string]any{
			"filename": fv.Filename,
			"content":  base64.StdEncoding.EncodeToString(fv.Data),
		}, nil
	default:
		return v, nil
	}
}

type scanFn func(dest ...any) error

func (s *PgEntityStore) scanRow(scan scanFn) (registry.Fields, error) {
	return s.scanInto(scan, nil)
}

func (s *PgEntityStore) scanRowWithPK(scan scanFn, pk *string) (registry.Fields, error) {
	return s.scanInto(scan, pk)
}

// scanInto scans one row into typed per-kind targets and converts them back
// to the in-store value forms the rest of the engine works with.
func (s *PgEntityStore) scanInto(scan scanFn, pk *string) (registry.Fields, error) {
	targets := make([]any, 0, len(s.fields)+1)
	if pk != nil {
		targets = append(targets, pk)
	}

	type slot struct {
		fd   registry.FieldDescriptor
		dest any
	}
	slots := make([]slot, 0, len(s.fields))
	for _, fd := range s.fields {
		var dest any
		switch fd.Kind {
		case registry.KindDateTime:
			dest = &pgtype.Timestamptz{}
		case registry.KindDate:
			dest = &pgtype.Date{}
		case registry.KindDecimal:
			dest = &decimal.NullDecimal{}
		case registry.KindUUID:
			dest = &pgtype.UUID{}
		default:
			dest = new(any)
		}
		slots = append(slots, slot{fd: fd, dest: dest})
		targets = append(targets, dest)
	}

	if err := scan(targets...); err != nil {
		return nil, fmt.Errorf("scanning %s row: %w", s.table, err)
	}

	fields := make(registry.Fields, len(slots))
	for _, sl := range slots {
		switch d := sl.dest.(type) {
		case *pgtype.Timestamptz:
			if d.Valid {
				fields[sl.fd.Name] = d.Time
			} else {
				fields[sl.fd.Name] = nil
			}
		case *pgtype.Date:
			if d.Valid {
				fields[sl.fd.Name] = d.Time
			} else {
				fields[sl.fd.Name] = nil
			}
		case *decimal.NullDecimal:
			if d.Valid {
				fields[sl.fd.Name] = d.Decimal
			} else {
				fields[sl.fd.Name] = nil
			}
		case *pgtype.UUID:
			if d.Valid {
				fields[sl.fd.Name] = uuid.UUID(d.Bytes)
			} else {
				fields[sl.fd.Name] = nil
			}
		case *any:
			fields[sl.fd.Name] = decodeScalar(sl.fd, *d)
		}
	}
	return fields, nil
}

// decodeScalar post-processes values scanned through the generic target:
// jsonb file documents become FileValue, everything else passes through.
func decodeScalar(fd registry.FieldDescriptor, v any) any {
	if fd.Kind != registry.KindFile || v == nil {
		return v
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return v
	}
	name, _ := doc["filename"].(string)
	content, _ := doc["content"].(string)
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return v
	}
	return registry.FileValue{Filename: name, Data: data}
}
