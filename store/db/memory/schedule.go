package memory

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/store"
)

func copySchedule(s *store.Schedule) *store.Schedule {
	dup := *s
	return &dup
}

func (d *DB) CreateSchedule(_ context.Context, schedule *store.Schedule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row := copySchedule(schedule)
	if row.Status == "" {
		row.Status = store.ScheduleActive
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = d.now()
	}
	row.UpdatedAt = d.now()
	d.schedules[row.ID] = row
	return nil
}

func (d *DB) GetSchedule(_ context.Context, id string) (*store.Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.schedules[id]
	if !ok {
		return nil, nil
	}
	return copySchedule(row), nil
}

func (d *DB) UpdateSchedule(_ context.Context, update *store.UpdateSchedule) (*store.Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.schedules[update.ID]
	if !ok {
		return nil, errors.Errorf("schedule %s not found", update.ID)
	}
	if update.Pattern != nil {
		row.Pattern = *update.Pattern
	}
	if update.Input != nil {
		row.Input = *update.Input
	}
	if update.Status != nil {
		row.Status = *update.Status
	}
	if update.LastRun != nil {
		row.LastRun = *update.LastRun
	}
	if update.NextRun != nil {
		row.NextRun = *update.NextRun
	}
	row.UpdatedAt = d.now()
	return copySchedule(row), nil
}

func (d *DB) DeleteSchedule(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.schedules, id)
	return nil
}

func (d *DB) ListSchedules(_ context.Context) ([]*store.Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listSchedulesLocked(false), nil
}

func (d *DB) ListActiveSchedules(_ context.Context) ([]*store.Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listSchedulesLocked(true), nil
}

func (d *DB) listSchedulesLocked(activeOnly bool) []*store.Schedule {
	var list []*store.Schedule
	for _, row := range d.schedules {
		if activeOnly && row.Status != store.ScheduleActive {
			continue
		}
		list = append(list, copySchedule(row))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
