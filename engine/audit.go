package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/durable/engine/metrics"
	"github.com/hrygo/durable/store"
)

// auditLogger is the best-effort audit trail. Entries flow through a bounded
// channel to a background goroutine that persists them (when the store
// supports it and audit is enabled) and hands them to the optional emitter.
// A full channel drops the entry and bumps a metric; audit must never affect
// workflow correctness.
type auditLogger struct {
	store   *store.Store
	enabled bool
	emitter AuditEmitter
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ch     chan *store.AuditEntry
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func newAuditLogger(st *store.Store, opts Options) *auditLogger {
	a := &auditLogger{
		store:   st,
		enabled: opts.AuditEnabled,
		emitter: opts.AuditEmitter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.now,
		ch:      make(chan *store.AuditEntry, DefaultAuditChannelCapacity),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// auditID builds a sortable entry id: "<epochMs>:<uuid>".
func auditID(at time.Time) string {
	return fmt.Sprintf("%013d:%s", at.UnixMilli(), uuid.NewString())
}

// log enqueues one entry. Never blocks, never fails.
func (a *auditLogger) log(executionID string, attempt int, kind store.AuditKind, fields map[string]any) {
	if a == nil || (!a.enabled && a.emitter == nil) {
		return
	}
	at := a.now()
	entry := &store.AuditEntry{
		ID:          auditID(at),
		ExecutionID: executionID,
		At:          at,
		Attempt:     attempt,
		Kind:        kind,
		Fields:      fields,
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- entry:
	default:
		a.metrics.AuditDropped()
	}
}

func (a *auditLogger) run() {
	defer a.wg.Done()
	for entry := range a.ch {
		a.sink(entry)
	}
}

func (a *auditLogger) sink(entry *store.AuditEntry) {
	if a.enabled && a.store.SupportsAudit() {
		if err := a.store.AppendAuditEntry(context.Background(), entry); err != nil {
			a.logger.Debug("audit persist failed", "execution_id", entry.ExecutionID, "error", err)
		}
	}
	if a.emitter != nil {
		a.emitter.Emit(entry)
	}
}

// close drains pending entries and stops the sink goroutine.
func (a *auditLogger) close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		a.wg.Wait()
	})
}
