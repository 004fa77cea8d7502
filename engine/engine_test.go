package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	busmemory "github.com/hrygo/durable/bus/memory"
	"github.com/hrygo/durable/store"
	"github.com/hrygo/durable/store/db/memory"
)

// testClock is a hand-driven clock shared by the engine and the store so
// tests fire timers without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires an embedded-mode service on the in-memory backends.
type harness struct {
	svc   *Service
	st    *store.Store
	db    *memory.DB
	bus   *busmemory.Bus
	clock *testClock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := newTestClock()
	db := memory.NewDB()
	db.SetNowFunc(clock.Now)
	eventBus := busmemory.New()
	opts.now = clock.Now
	if opts.WaitPollInterval == 0 {
		opts.WaitPollInterval = 5 * time.Millisecond
	}
	if opts.PollingEnabled == nil {
		// Tests drive the poller by hand via Tick.
		disabled := false
		opts.PollingEnabled = &disabled
	}
	st := store.New(db)
	svc := New(st, nil, eventBus, opts)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &harness{svc: svc, st: st, db: db, bus: eventBus, clock: clock}
}

func (h *harness) execution(t *testing.T, id string) *store.Execution {
	t.Helper()
	execution, err := h.st.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, execution)
	return execution
}

// waitForStatus polls until the execution reaches the wanted status.
func (h *harness) waitForStatus(t *testing.T, id string, status store.ExecutionStatus) *store.Execution {
	t.Helper()
	var last *store.Execution
	require.Eventually(t, func() bool {
		execution, err := h.st.GetExecution(context.Background(), id)
		if err != nil || execution == nil {
			return false
		}
		last = execution
		return execution.Status == status
	}, 3*time.Second, 2*time.Millisecond, "execution %s never reached %s (last: %+v)", id, status, last)
	return last
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
