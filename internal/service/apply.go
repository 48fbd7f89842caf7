package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/outpostlabs/edgesync/internal/models"
	"github.com/outpostlabs/edgesync/internal/registry"
	"github.com/outpostlabs/edgesync/internal/serialize"
)

// updatedAtField is the timestamp used for last-writer-wins conflict
// resolution. Entities carry it when their host table has an update stamp.
const updatedAtField = "updated_at"

// errUnknownAction marks a remote change whose action is outside the
// C/U/D wire vocabulary. Like an unregistered entity type, no retry can
// ever make it applicable.
var errUnknownAction = errors.New("unknown action")

// applyChange materializes one remote change into the local entity store.
// Capture is suspended for the entity type for the duration, restored even
// when apply fails. All three actions are idempotent under redelivery.
func (o *Orchestrator) applyChange(ctx context.Context, ch models.RemoteChange) error {
	et, err := o.registry.Resolve(ch.Model)
	if err != nil {
		return err
	}

	if o.hooks != nil {
		o.hooks.Disable(ch.Model)
		defer o.hooks.Enable(ch.Model)
	}

	switch ch.Action {
	case models.ActionCreated, models.ActionUpdated:
		return o.applyUpsert(ctx, et, ch)
	case models.ActionDeleted:
		// Absent instance means the delete already happened; the Store
		// contract makes that a no-op, so redelivery is harmless.
		if err := et.Store.Delete(ctx, ch.ObjectID); err != nil {
			return fmt.Errorf("delete %s/%s: %w", ch.Model, ch.ObjectID, err)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", errUnknownAction, ch.Action)
	}
}

// applyUpsert handles Created and Updated with full-replace semantics.
// URL-referenced files are downloaded before any write so slow file I/O
// never holds a store transaction open.
func (o *Orchestrator) applyUpsert(ctx context.Context, et *registry.EntityType, ch models.RemoteChange) error {
	fields := make(registry.Fields, len(ch.Payload))
	downloads := make(map[string][]byte)
	filenames := make(map[string]string)

	for name, raw := range ch.Payload {
		fd, ok := et.Field(name)
		if !ok {
			// Undeclared fields never synchronize.
			continue
		}
		if fd.Kind == registry.KindFile && serialize.IsFileURL(raw) {
			fileURL := raw.(string)
			data, err := o.client.DownloadFile(ctx, fileURL)
			if err != nil {
				return fmt.Errorf("downloading file for field %q: %w", name, err)
			}
			downloads[name] = data
			filenames[name] = fileBasename(fileURL)
			continue
		}
		val, err := serialize.DecodeValue(fd, raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = val
	}

	targetID := ch.ObjectID
	err := et.Store.Upsert(ctx, targetID, fields)

	var uv *registry.UniqueViolationError
	switch {
	case err == nil:
	case errors.As(err, &uv):
		resolvedID, applied, rerr := o.resolveConflict(ctx, et, uv, fields)
		if rerr != nil {
			return rerr
		}
		if !applied {
			// Existing instance is newer. The incoming write is dropped
			// but the change still counts as applied for acknowledgment.
			return nil
		}
		targetID = resolvedID
	default:
		return fmt.Errorf("upsert %s/%s: %w", ch.Model, ch.ObjectID, err)
	}

	for name, data := range downloads {
		if err := et.Store.AttachFile(ctx, targetID, name, filenames[name], data); err != nil {
			return fmt.Errorf("attaching file %q: %w", name, err)
		}
	}
	return nil
}

// resolveConflict handles an upsert that collided with a different
// instance on a declared alternate unique key: locate the conflicting
// instance and merge-update it under last-writer-wins. Returns the primary
// key the write landed on and whether the incoming change was applied.
func (o *Orchestrator) resolveConflict(ctx context.Context, et *registry.EntityType, uv *registry.UniqueViolationError, incoming registry.Fields) (string, bool, error) {
	existingID, existing, ok, err := et.Store.FindByField(ctx, uv.Field, uv.Value)
	if err != nil {
		return "", false, fmt.Errorf("conflict lookup on %q: %w", uv.Field, err)
	}
	if !ok {
		// The conflicting instance cannot be identified; nothing safe to
		// merge into.
		return "", false, uv
	}

	l := o.logger.With("model", et.Label, "conflict_field", uv.Field, "existing_id", existingID)

	if !incomingWins(incoming, existing) {
		l.Info("Unique conflict resolved: existing instance is newer, incoming write dropped")
		return existingID, false, nil
	}

	if err := et.Store.Upsert(ctx, existingID, incoming); err != nil {
		return "", false, fmt.Errorf("conflict merge on %q: %w", uv.Field, err)
	}
	l.Info("Unique conflict resolved: merged into existing instance")
	return existingID, true, nil
}

// incomingWins decides a conflicting write by update timestamp. When either
// side lacks a comparable stamp the incoming change wins, matching the
// full-replace default.
func incomingWins(incoming, existing registry.Fields) bool {
	in, okIn := asTime(incoming[updatedAtField])
	ex, okEx := asTime(existing[updatedAtField])
	if !okIn || !okEx {
		return true
	}
	return in.After(ex)
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

// fileBasename extracts the filename to attach from a download URL.
func fileBasename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}
