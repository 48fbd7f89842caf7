// Package capture turns entity mutations into change log entries. The host
// application calls the Recorder from its repository save/delete paths; the
// sync engine disables capture per entity type while applying remote
// changes so an inbound apply never echoes back out.
package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpostlabs/edgesync/internal/models"
	"github.com/outpostlabs/edgesync/internal/registry"
	"github.com/outpostlabs/edgesync/internal/serialize"
)

// Source tells the Recorder where a mutation originated. Mutations made by
// the sync engine itself carry SourceSync and are never captured, which is
// what breaks the remote-apply feedback loop.
type Source int

const (
	SourceLocal Source = iota
	SourceSync
)

// Outbox is the narrow persistence contract the Recorder needs.
type Outbox interface {
	Append(ctx context.Context, entry *models.ChangeLogEntry) error
}

// Recorder writes exactly one change log entry per local mutation on a
// registered entity type. Capture is strictly best-effort: a serialization
// or outbox failure is logged and swallowed so the business mutation that
// triggered it is never blocked.
type Recorder struct {
	outbox   Outbox
	registry *registry.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	disabled map[string]int
}

func NewRecorder(outbox Outbox, reg *registry.Registry, logger *slog.Logger) *Recorder {
	return &Recorder{
		outbox:   outbox,
		registry: reg,
		logger:   logger,
		disabled: make(map[string]int),
	}
}

// Disable suspends capture for one entity type. Calls nest: every Disable
// must be paired with an Enable.
func (r *Recorder) Disable(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[label]++
}

// Enable lifts one level of suspension for the entity type.
func (r *Recorder) Enable(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabled[label] > 0 {
		r.disabled[label]--
	}
}

func (r *Recorder) captureEnabled(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled[label] == 0
}

// OnSave records a create or update. The caller passes the instance's full
// post-save field set; the receiver applies full-replace semantics, so the
// payload is always a complete snapshot, never a diff.
func (r *Recorder) OnSave(ctx context.Context, label, objectID string, fields registry.Fields, created bool, src Source) {
	action := models.ActionUpdated
	if created {
		action = models.ActionCreated
	}
	r.record(ctx, label, objectID, fields, action, src)
}

// OnDelete records a deletion. It must run before the physical removal,
// while the instance is still readable: the final snapshot is kept for
// audit even though apply does not need it.
func (r *Recorder) OnDelete(ctx context.Context, label, objectID string, fields registry.Fields, src Source) {
	r.record(ctx, label, objectID, fields, models.ActionDeleted, src)
}

func (r *Recorder) record(ctx context.Context, label, objectID string, fields registry.Fields, action models.Action, src Source) {
	if src == SourceSync || !r.captureEnabled(label) {
		return
	}

	l := r.logger.With("entity_type", label, "object_id", objectID, "action", string(action))

	et, err := r.registry.Resolve(label)
	if err != nil {
		l.Error("Capture skipped: entity type not registered", "error", err)
		return
	}

	snapshot, err := serialize.Snapshot(et, fields)
	if err != nil {
		// Partial snapshots are still recorded; the bad fields are null.
		l.Warn("Capture: snapshot degraded", "error", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		l.Error("Capture lost: payload not serializable", "error", err)
		return
	}

	entry := &models.ChangeLogEntry{
		EventID:    uuid.New(),
		EntityType: label,
		ObjectID:   objectID,
		Action:     action,
		Payload:    payload,
		Status:     models.StatusPending,
		Timestamp:  time.Now().UTC(),
	}

	if err := r.outbox.Append(ctx, entry); err != nil {
		// A lost entry means an unreported mutation. Loud log, no abort.
		l.Error("Capture lost: outbox append failed", "error", err, "event_uuid", entry.EventID)
		return
	}

	l.Debug("Capture: change logged", "event_uuid", entry.EventID)
}
