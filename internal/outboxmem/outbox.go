// Package outboxmem holds an in-memory change log with the same contract
// as the Postgres outbox. It backs tests and single-process deployments
// where the host has no local database of its own.
package outboxmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/outpostlabs/edgesync/internal/models"
)

type Outbox struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*models.ChangeLogEntry
}

func New() *Outbox {
	return &Outbox{
		nextID:  1,
		entries: make(map[int64]*models.ChangeLogEntry),
	}
}

func (o *Outbox) Append(ctx context.Context, e *models.ChangeLogEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.ID = o.nextID
	o.nextID++
	cp := *e
	o.entries[cp.ID] = &cp
	return nil
}

func (o *Outbox) PendingForSend(ctx context.Context, maxRetries int) ([]models.ChangeLogEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []models.ChangeLogEntry
	for _, e := range o.entries {
		if (e.Status == models.StatusPending || e.Status == models.StatusFailed) && e.RetryCount < maxRetries {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (o *Outbox) MarkSent(ctx context.Context, ids []int64, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if e, ok := o.entries[id]; ok {
			e.Status = models.StatusSent
			e.RetryCount = 0
			e.ErrorMessage = nil
			t := at
			e.SentAt = &t
		}
	}
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, ids []int64, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if e, ok := o.entries[id]; ok {
			e.Status = models.StatusFailed
			e.RetryCount++
			msg := errMsg
			e.ErrorMessage = &msg
		}
	}
	return nil
}

func (o *Outbox) MarkAcknowledged(ctx context.Context, eventIDs []string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for _, id := range eventIDs {
		for _, e := range o.entries {
			if e.EventID.String() == id && e.Status == models.StatusSent {
				e.Status = models.StatusAcknowledged
				n++
			}
		}
	}
	return n, nil
}

func (o *Outbox) Backlog(ctx context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for _, e := range o.entries {
		if e.Status == models.StatusPending || e.Status == models.StatusFailed {
			n++
		}
	}
	return n, nil
}

func (o *Outbox) Exhausted(ctx context.Context, maxRetries int) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for _, e := range o.entries {
		if e.Status == models.StatusFailed && e.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

// All returns a snapshot of every entry ordered by ID, for inspection.
func (o *Outbox) All() []models.ChangeLogEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.ChangeLogEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
