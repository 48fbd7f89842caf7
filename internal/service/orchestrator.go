package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/outpostlabs/edgesync/internal/models"
	"github.com/outpostlabs/edgesync/internal/registry"
	"github.com/outpostlabs/edgesync/pkg/metrics"
)

const (
	DefaultMaxRetries   = 5
	DefaultAckBatchSize = 10

	MaxBatchMemoryThresholdMB = 20
)

// ErrCycleRunning is returned when a cycle is requested while another is
// still in flight. The caller just waits for the next tick.
var ErrCycleRunning = errors.New("sync cycle already running")

// Outbox is the change log persistence contract the orchestrator drives.
type Outbox interface {
	PendingForSend(ctx context.Context, maxRetries int) ([]models.ChangeLogEntry, error)
	MarkSent(ctx context.Context, ids []int64, at time.Time) error
	MarkFailed(ctx context.Context, ids []int64, errMsg string) error
	MarkAcknowledged(ctx context.Context, eventIDs []string) (int64, error)
	Backlog(ctx context.Context) (int64, error)
	Exhausted(ctx context.Context, maxRetries int) (int64, error)
}

// APIClient is the central server transport contract.
type APIClient interface {
	GetPendingChanges(ctx context.Context) (*models.PendingResponse, error)
	PushChanges(ctx context.Context, items []models.PushItem) error
	AcknowledgeChanges(ctx context.Context, eventIDs []string) error
	DownloadFile(ctx context.Context, url string) ([]byte, error)
}

// Hooks suspends and restores change capture for one entity type while a
// remote change is applied, so an inbound apply never loops back out.
type Hooks interface {
	Disable(label string)
	Enable(label string)
}

// EventPublisher fans applied remote changes out to checkpoint-local
// consumers. Optional; a nil publisher disables fanout.
type EventPublisher interface {
	PublishApplied(ctx context.Context, label, objectID string, action models.Action) error
}

// Config carries the orchestrator's tuning knobs. Zero values fall back to
// the defaults above.
type Config struct {
	MaxRetries   int
	AckBatchSize int
	SoftBudget   time.Duration
}

// Orchestrator runs the receive-first, send-second sync cycle between this
// workstation and the central server.
type Orchestrator struct {
	outbox   Outbox
	registry *registry.Registry
	client   APIClient
	hooks    Hooks
	events   EventPublisher
	logger   *slog.Logger

	maxRetries   int
	ackBatchSize int
	softBudget   time.Duration

	running atomic.Bool
}

func NewOrchestrator(outbox Outbox, reg *registry.Registry, client APIClient, hooks Hooks, events EventPublisher, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.AckBatchSize <= 0 {
		cfg.AckBatchSize = DefaultAckBatchSize
	}
	return &Orchestrator{
		outbox:       outbox,
		registry:     reg,
		client:       client,
		hooks:        hooks,
		events:       events,
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		ackBatchSize: cfg.AckBatchSize,
		softBudget:   cfg.SoftBudget,
	}
}

// RunSyncCycle executes one full cycle: fetch and apply the server's
// pending changes, promote acknowledged entries, then push the local
// backlog. Only the initial fetch aborts the cycle; everything after is
// recovered at the narrowest possible scope.
func (o *Orchestrator) RunSyncCycle(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrCycleRunning
	}
	defer o.running.Store(false)

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		metrics.CycleDuration.Observe(elapsed.Seconds())
		if o.softBudget > 0 && elapsed > o.softBudget {
			o.logger.Warn("Sync cycle exceeded soft budget",
				"elapsed", elapsed,
				"soft_budget", o.softBudget,
			)
		}
	}()

	o.logger.Info("Sync cycle: receive phase")
	resp, err := o.client.GetPendingChanges(ctx)
	if err != nil {
		metrics.HealthStatus.Set(0)
		o.logger.Error("Sync cycle aborted: central server unreachable", "error", err)
		return fmt.Errorf("receive phase: %w", err)
	}

	if len(resp.PendingChanges) > 0 {
		o.applyServerChanges(ctx, resp.PendingChanges)
	}

	if len(resp.AcknowledgedEvents) > 0 {
		n, err := o.outbox.MarkAcknowledged(ctx, resp.AcknowledgedEvents)
		if err != nil {
			o.logger.Error("Failed to finalize acknowledged entries", "error", err)
		} else {
			o.logger.Info("Entries fully acknowledged by server", "count", n)
		}
	}

	o.logger.Info("Sync cycle: send phase")
	o.sendLocalChanges(ctx)

	o.refreshBacklog(ctx)
	metrics.HealthStatus.Set(1)

	o.logger.Info("Sync cycle complete",
		"received", len(resp.PendingChanges),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// applyServerChanges walks the server's changes in delivered order and
// acknowledges applied ones in small batches, so a crash mid-list loses at
// most one batch of acks, never applied state.
func (o *Orchestrator) applyServerChanges(ctx context.Context, changes []models.RemoteChange) {
	acks := make([]string, 0, o.ackBatchSize)
	flush := func() {
		if len(acks) == 0 {
			return
		}
		if err := o.client.AcknowledgeChanges(ctx, acks); err != nil {
			metrics.AckFailures.Inc()
			// Non-fatal: unacknowledged changes are redelivered and apply
			// is idempotent.
			o.logger.Warn("Acknowledge call failed, changes may be redelivered",
				"count", len(acks), "error", err)
		}
		acks = acks[:0]
	}

	for _, ch := range changes {
		l := o.logger.With(
			"remote_id", ch.ID,
			"model", ch.Model,
			"object_id", ch.ObjectID,
			"action", string(ch.Action),
		)

		err := o.applyChange(ctx, ch)
		switch {
		case err == nil:
			metrics.RemoteChanges.WithLabelValues("applied", ch.Model, string(ch.Action)).Inc()
			acks = append(acks, ch.ID)
			o.publishApplied(ctx, ch, l)

		case errors.Is(err, registry.ErrNotRegistered), errors.Is(err, errUnknownAction):
			// Nothing local will ever apply this; acknowledge so the
			// server stops redelivering it.
			l.Warn("Skipping inapplicable change", "reason", err)
			metrics.RemoteChanges.WithLabelValues("skipped", ch.Model, string(ch.Action)).Inc()
			acks = append(acks, ch.ID)

		default:
			// Not acknowledged: the server redelivers it next cycle.
			l.Error("Failed applying remote change", "error", err)
			metrics.RemoteChanges.WithLabelValues("failed", ch.Model, string(ch.Action)).Inc()
		}

		if len(acks) >= o.ackBatchSize {
			flush()
		}
	}
	flush()
}

func (o *Orchestrator) publishApplied(ctx context.Context, ch models.RemoteChange, l *slog.Logger) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishApplied(ctx, ch.Model, ch.ObjectID, ch.Action); err != nil {
		l.Warn("Applied-change fanout failed", "error", err)
	}
}

// sendLocalChanges pushes every eligible outbox entry as one batch with
// all-or-nothing accounting.
func (o *Orchestrator) sendLocalChanges(ctx context.Context) {
	entries, err := o.outbox.PendingForSend(ctx, o.maxRetries)
	if err != nil {
		o.logger.Error("Send phase aborted: reading outbox failed", "error", err)
		return
	}
	if len(entries) == 0 {
		o.logger.Info("Send phase: no local changes to push")
		return
	}

	metrics.BatchSize.Observe(float64(len(entries)))

	var batchBytes int
	for i := range entries {
		batchBytes += entries[i].EstimateBytes()
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > MaxBatchMemoryThresholdMB {
		o.logger.Warn("Heavy push batch: memory pressure risk",
			"size_mb", batchMB,
			"threshold_mb", MaxBatchMemoryThresholdMB,
			"count", len(entries),
		)
	}

	items := make([]models.PushItem, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		items = append(items, models.PushItem{
			EventUUID: e.EventID.String(),
			Model:     e.EntityType,
			ObjectID:  e.ObjectID,
			Action:    e.Action,
			Payload:   e.Payload,
		})
		ids = append(ids, e.ID)
	}

	if err := o.client.PushChanges(ctx, items); err != nil {
		if markErr := o.outbox.MarkFailed(ctx, ids, err.Error()); markErr != nil {
			o.logger.Error("CRITICAL: push failed and outbox could not be updated",
				"push_error", err, "outbox_error", markErr)
			return
		}
		metrics.PushBatches.WithLabelValues("failed").Inc()
		metrics.PushedEntries.WithLabelValues("failed").Add(float64(len(entries)))
		o.logger.Error("Push failed, batch marked for retry",
			"count", len(entries), "error", err)
		return
	}

	if err := o.outbox.MarkSent(ctx, ids, time.Now().UTC()); err != nil {
		// The server has the batch; entries left Pending are re-pushed and
		// deduplicated server-side by event UUID.
		o.logger.Error("CRITICAL: push succeeded but outbox could not be updated", "error", err)
		return
	}
	metrics.PushBatches.WithLabelValues("sent").Inc()
	metrics.PushedEntries.WithLabelValues("sent").Add(float64(len(entries)))
	o.logger.Info("Push complete", "count", len(entries))
}

func (o *Orchestrator) refreshBacklog(ctx context.Context) {
	n, err := o.outbox.Backlog(ctx)
	if err != nil {
		o.logger.Warn("Backlog gauge not updated", "error", err)
		return
	}
	metrics.OutboxBacklog.Set(float64(n))

	stuck, err := o.outbox.Exhausted(ctx, o.maxRetries)
	if err != nil {
		o.logger.Warn("Exhausted gauge not updated", "error", err)
		return
	}
	metrics.ExhaustedEntries.Set(float64(stuck))
	if stuck > 0 {
		o.logger.Warn("Entries past the retry limit need operator attention", "count", stuck)
	}
}
