// Package audit is the append-only audit trail: a bounded enqueue feeding a
// background batcher that writes transactional batches, plus query, export,
// and retention over the stored rows.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/storage"
)

// Pipeline buffers audit events for one realm and persists them in batches.
// Auditing never blocks or fails the operation being audited: a full queue
// drops the event with an error log, and a failed batch insert is logged and
// discarded.
type Pipeline struct {
	realm  string
	cfg    config.AuditConfig
	store  storage.Store
	clock  core.Clock
	logger *slog.Logger
	queue  chan storage.AuditEvent
}

// NewPipeline builds a pipeline. Call Run to start the batcher.
func NewPipeline(realm string, cfg config.AuditConfig, store storage.Store, clock core.Clock, logger *slog.Logger) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Pipeline{
		realm:  realm,
		cfg:    cfg,
		store:  store,
		clock:  clock,
		logger: logger,
		queue:  make(chan storage.AuditEvent, cfg.QueueCapacity),
	}
}

// Enqueue stamps, sanitizes, and queues one event. Non-blocking.
func (p *Pipeline) Enqueue(e storage.AuditEvent) {
	if !p.cfg.Enabled {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = core.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.clock.Now()
	}
	e.Realm = p.realm
	e.Metadata = SanitizeMetadata(e.Metadata)

	select {
	case p.queue <- e:
	default:
		p.logger.Error("audit_queue_full", "realm", p.realm, "event_type", e.EventType)
	}
}

// Run is the batcher loop: it flushes when a batch fills or the flush
// interval elapses, and drains the queue once on cancellation.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]storage.AuditEvent, 0, p.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = p.drain(batch)
			p.flush(batch)
			return
		case e := <-p.queue:
			batch = append(batch, e)
			if len(batch) >= p.cfg.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// drain empties whatever is queued right now without waiting for more.
func (p *Pipeline) drain(batch []storage.AuditEvent) []storage.AuditEvent {
	for {
		select {
		case e := <-p.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// flush writes one batch in a single transaction. Uses a background context:
// the final flush runs after the loop's context is already cancelled.
func (p *Pipeline) flush(batch []storage.AuditEvent) {
	if len(batch) == 0 {
		return
	}
	events := make([]storage.AuditEvent, len(batch))
	copy(events, batch)

	if err := p.store.InsertAuditEvents(context.Background(), events); err != nil {
		p.logger.Error("audit_batch_insert_failed", "realm", p.realm, "batch_size", len(events), "error", err)
	}
}
