package engine

import (
	"context"
	"time"

	"github.com/hrygo/durable/store"
	"github.com/hrygo/durable/store/db/memory"
)

// coreOnlyDriver delegates the required contract to the in-memory driver but
// deliberately implements none of the optional capabilities, for tests that
// exercise the degraded paths.
type coreOnlyDriver struct {
	db *memory.DB
}

func newCoreOnlyDriver(clock *testClock) *coreOnlyDriver {
	db := memory.NewDB()
	db.SetNowFunc(clock.Now)
	return &coreOnlyDriver{db: db}
}

var _ store.Driver = (*coreOnlyDriver)(nil)

func (d *coreOnlyDriver) SaveExecution(ctx context.Context, execution *store.Execution) error {
	return d.db.SaveExecution(ctx, execution)
}

func (d *coreOnlyDriver) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	return d.db.GetExecution(ctx, id)
}

func (d *coreOnlyDriver) UpdateExecution(ctx context.Context, update *store.UpdateExecution) (*store.Execution, error) {
	return d.db.UpdateExecution(ctx, update)
}

func (d *coreOnlyDriver) ListIncompleteExecutions(ctx context.Context) ([]*store.Execution, error) {
	return d.db.ListIncompleteExecutions(ctx)
}

func (d *coreOnlyDriver) GetStepResult(ctx context.Context, executionID, stepID string) (*store.StepResult, error) {
	return d.db.GetStepResult(ctx, executionID, stepID)
}

func (d *coreOnlyDriver) SaveStepResult(ctx context.Context, result *store.StepResult) error {
	return d.db.SaveStepResult(ctx, result)
}

func (d *coreOnlyDriver) CreateTimer(ctx context.Context, timer *store.Timer) error {
	return d.db.CreateTimer(ctx, timer)
}

func (d *coreOnlyDriver) GetReadyTimers(ctx context.Context, now time.Time) ([]*store.Timer, error) {
	return d.db.GetReadyTimers(ctx, now)
}

func (d *coreOnlyDriver) MarkTimerFired(ctx context.Context, id string) error {
	return d.db.MarkTimerFired(ctx, id)
}

func (d *coreOnlyDriver) DeleteTimer(ctx context.Context, id string) error {
	return d.db.DeleteTimer(ctx, id)
}

func (d *coreOnlyDriver) CreateSchedule(ctx context.Context, schedule *store.Schedule) error {
	return d.db.CreateSchedule(ctx, schedule)
}

func (d *coreOnlyDriver) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	return d.db.GetSchedule(ctx, id)
}

func (d *coreOnlyDriver) UpdateSchedule(ctx context.Context, update *store.UpdateSchedule) (*store.Schedule, error) {
	return d.db.UpdateSchedule(ctx, update)
}

func (d *coreOnlyDriver) DeleteSchedule(ctx context.Context, id string) error {
	return d.db.DeleteSchedule(ctx, id)
}

func (d *coreOnlyDriver) ListSchedules(ctx context.Context) ([]*store.Schedule, error) {
	return d.db.ListSchedules(ctx)
}

func (d *coreOnlyDriver) ListActiveSchedules(ctx context.Context) ([]*store.Schedule, error) {
	return d.db.ListActiveSchedules(ctx)
}
