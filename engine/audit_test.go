package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/durable/store"
)

type recordingEmitter struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
}

func (e *recordingEmitter) Emit(entry *store.AuditEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
}

func (e *recordingEmitter) kinds() []store.AuditKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := make([]store.AuditKind, 0, len(e.entries))
	for _, entry := range e.entries {
		kinds = append(kinds, entry.Kind)
	}
	return kinds
}

func TestAuditTrailPersisted(t *testing.T) {
	emitter := &recordingEmitter{}
	h := newHarness(t, Options{AuditEnabled: true, AuditEmitter: emitter})
	h.svc.Register(&Task{
		ID: "audited",
		Run: func(ctx context.Context, dc *Context, _ json.RawMessage) (any, error) {
			if _, err := dc.Step(ctx, "work", func(context.Context) (any, error) { return 1, nil }, nil); err != nil {
				return nil, err
			}
			dc.Note("checkpoint", map[string]any{"phase": "mid"})
			return "ok", nil
		},
	})
	executionID, err := h.svc.Execute(context.Background(), "audited", nil, nil)
	require.NoError(t, err)
	h.waitForStatus(t, executionID, store.ExecutionCompleted)

	var entries []*store.AuditEntry
	require.Eventually(t, func() bool {
		entries, err = h.st.ListAuditEntries(context.Background(), executionID)
		return err == nil && len(entries) >= 4
	}, 3*time.Second, 5*time.Millisecond, "audit entries never landed")

	kinds := make(map[store.AuditKind]bool)
	for _, entry := range entries {
		kinds[entry.Kind] = true
		assert.Equal(t, executionID, entry.ExecutionID)
	}
	assert.True(t, kinds[store.AuditExecutionStatusChanged])
	assert.True(t, kinds[store.AuditStepCompleted])
	assert.True(t, kinds[store.AuditNote])

	// Both sinks see the trail.
	require.Eventually(t, func() bool { return len(emitter.kinds()) >= 4 }, 3*time.Second, 5*time.Millisecond)
}

func TestAuditDisabledWritesNothing(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.Register(&Task{
		ID: "quiet",
		Run: func(context.Context, *Context, json.RawMessage) (any, error) {
			return "ok", nil
		},
	})
	executionID, err := h.svc.Execute(context.Background(), "quiet", nil, nil)
	require.NoError(t, err)
	h.waitForStatus(t, executionID, store.ExecutionCompleted)
	time.Sleep(20 * time.Millisecond)

	entries, err := h.st.ListAuditEntries(context.Background(), executionID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuditIDIsSortable(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id := auditID(at)
	assert.Regexp(t, regexp.MustCompile(`^\d{13}:[0-9a-f-]{36}$`), id)

	later := auditID(at.Add(time.Second))
	assert.Less(t, id, later, "ids must sort by timestamp")
}
