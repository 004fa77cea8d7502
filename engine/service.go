package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/durable/bus"
	"github.com/hrygo/durable/queue"
	"github.com/hrygo/durable/store"
)

// Service is the engine façade: it wires the store, queue and event bus with
// the managers and exposes the durable API surface. A nil queue selects
// embedded mode (attempts run on local goroutines); a nil bus degrades
// waiting to pure polling.
type Service struct {
	st       *store.Store
	queue    queue.Queue
	eventBus bus.EventBus
	opts     Options
	logger   *slog.Logger
	workerID string

	registry  *Registry
	audit     *auditLogger
	exec      *ExecutionManager
	signals   *SignalHandler
	waits     *WaitManager
	schedules *ScheduleManager
	polling   *PollingManager
	operator  *Operator

	mu      sync.Mutex
	started bool
}

// New wires a service. The zero Options value gives defaults everywhere.
func New(st *store.Store, q queue.Queue, eventBus bus.EventBus, opts Options) *Service {
	opts = opts.withDefaults()
	workerID := shortuuid.New()
	registry := NewRegistry(opts.Resolver)
	audit := newAuditLogger(st, opts)
	exec := newExecutionManager(st, q, eventBus, registry, audit, workerID, opts)
	schedules := newScheduleManager(st, opts)
	return &Service{
		st:        st,
		queue:     q,
		eventBus:  eventBus,
		opts:      opts,
		logger:    opts.Logger,
		workerID:  workerID,
		registry:  registry,
		audit:     audit,
		exec:      exec,
		signals:   newSignalHandler(st, exec, audit, opts),
		waits:     newWaitManager(st, eventBus, opts),
		schedules: schedules,
		polling:   newPollingManager(st, exec, schedules, audit, workerID, opts),
		operator:  newOperator(st, exec, opts),
	}
}

// Register adds a workflow to the local registry.
func (s *Service) Register(task *Task) {
	s.registry.Register(task)
}

// Start brings the service up: lifecycle hooks, queue consumer, polling
// loop. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.st.Init(ctx); err != nil {
		return errors.Wrap(err, "store init failed")
	}
	if err := initIfSupported(ctx, s.queue); err != nil {
		return errors.Wrap(err, "queue init failed")
	}
	if err := initIfSupported(ctx, s.eventBus); err != nil {
		return errors.Wrap(err, "bus init failed")
	}
	if s.queue != nil {
		if err := s.queue.Consume(s.consume); err != nil {
			return errors.Wrap(err, "failed to start queue consumer")
		}
	}
	if *s.opts.PollingEnabled {
		s.polling.Start()
	}
	s.started = true
	s.logger.Info("durable service started", "worker_id", s.workerID, "polling", *s.opts.PollingEnabled)
	return nil
}

// Stop shuts the service down: polling first, then embedded attempts drain,
// then audit, then backend lifecycle hooks.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.polling.Stop()
	s.exec.Drain()
	s.audit.close()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.st.Dispose(gctx) })
	g.Go(func() error { return disposeIfSupported(gctx, s.queue) })
	g.Go(func() error { return disposeIfSupported(gctx, s.eventBus) })
	s.started = false
	return g.Wait()
}

// Queue and bus implementations may support either lifecycle hook without
// the other, so each is probed separately.
type initer interface {
	Init(ctx context.Context) error
}

type disposer interface {
	Dispose(ctx context.Context) error
}

func initIfSupported(ctx context.Context, v any) error {
	if lc, ok := v.(initer); ok {
		return lc.Init(ctx)
	}
	return nil
}

func disposeIfSupported(ctx context.Context, v any) error {
	if lc, ok := v.(disposer); ok {
		return lc.Dispose(ctx)
	}
	return nil
}

// consume is the queue handler: execute and resume both funnel into
// ProcessExecution (the store deduplicates via execution status); schedule
// messages fire the named schedule immediately.
func (s *Service) consume(ctx context.Context, delivery *queue.Delivery) {
	var err error
	switch delivery.Message.Type {
	case queue.MessageExecute, queue.MessageResume:
		var payload queue.ExecutionPayload
		if err = json.Unmarshal(delivery.Message.Payload, &payload); err == nil {
			err = s.exec.ProcessExecution(ctx, payload.ExecutionID)
		}
	case queue.MessageSchedule:
		var payload queue.SchedulePayload
		if err = json.Unmarshal(delivery.Message.Payload, &payload); err == nil {
			err = s.fireSchedule(ctx, payload.ScheduleID)
		}
	default:
		s.logger.Warn("dropping message of unknown type", "type", delivery.Message.Type)
	}
	if err != nil {
		s.logger.Warn("message handling failed", "type", delivery.Message.Type, "error", err)
		delivery.Nack(true)
		return
	}
	delivery.Ack()
}

// fireSchedule starts an execution for the schedule's task outside its timer
// cadence, e.g. when an operator enqueues a manual fire.
func (s *Service) fireSchedule(ctx context.Context, scheduleID string) error {
	schedule, err := s.st.GetSchedule(ctx, scheduleID)
	if err != nil {
		return errors.Wrap(err, "failed to load schedule")
	}
	if schedule == nil || schedule.Status != store.ScheduleActive {
		return nil
	}
	task, err := s.registry.Find(ctx, schedule.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return errors.Errorf("task %s not registered", schedule.TaskID)
	}
	_, err = s.exec.Start(ctx, task, schedule.Input, nil)
	return err
}

func marshalInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal input")
	}
	return raw, nil
}

// Execute starts an execution of the registered task and returns its id
// without waiting.
func (s *Service) Execute(ctx context.Context, taskID string, input any, opts *StartOptions) (string, error) {
	task, err := s.registry.Find(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", &Error{Code: CodeTaskNotRegistered, Message: "task " + taskID + " not registered", TaskID: taskID}
	}
	raw, err := marshalInput(input)
	if err != nil {
		return "", err
	}
	return s.exec.Start(ctx, task, raw, opts)
}

// ExecuteAndWait starts an execution and blocks until its terminal state.
func (s *Service) ExecuteAndWait(ctx context.Context, taskID string, input any, opts *StartOptions, waitOpts *WaitOptions) (json.RawMessage, error) {
	executionID, err := s.Execute(ctx, taskID, input, opts)
	if err != nil {
		return nil, err
	}
	return s.waits.WaitForResult(ctx, executionID, waitOpts)
}

// ExecuteStrict is ExecuteAndWait restricted to locally registered tasks and
// guaranteed to surface failures as the durable Error type with its code
// taxonomy, for callers that dispatch on failure codes.
func (s *Service) ExecuteStrict(ctx context.Context, taskID string, input any, opts *StartOptions, waitOpts *WaitOptions) (json.RawMessage, error) {
	s.registry.mu.RLock()
	task := s.registry.tasks[taskID]
	s.registry.mu.RUnlock()
	if task == nil {
		return nil, &Error{Code: CodeTaskNotRegistered, Message: "task " + taskID + " not registered", TaskID: taskID}
	}
	result, err := s.ExecuteAndWait(ctx, taskID, input, opts, waitOpts)
	if err == nil {
		return result, nil
	}
	var durableErr *Error
	if errors.As(err, &durableErr) {
		return nil, durableErr
	}
	return nil, &Error{Code: CodeExecutionFailed, Message: err.Error(), TaskID: taskID, Cause: err}
}

// Wait blocks until the execution is terminal and maps its outcome.
func (s *Service) Wait(ctx context.Context, executionID string, opts *WaitOptions) (json.RawMessage, error) {
	return s.waits.WaitForResult(ctx, executionID, opts)
}

// Signal delivers an external payload to a waiting signal slot.
func (s *Service) Signal(ctx context.Context, executionID string, sig SignalDef, payload any) error {
	return s.signals.Signal(ctx, executionID, sig, payload)
}

// Cancel terminates the execution; racing completions lose.
func (s *Service) Cancel(ctx context.Context, executionID, reason string) error {
	return s.exec.Cancel(ctx, executionID, reason)
}

// Schedule registers a one-off or recurring trigger for the task.
func (s *Service) Schedule(ctx context.Context, taskID string, input any, spec ScheduleSpec) (string, error) {
	task, err := s.registry.Find(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", &Error{Code: CodeTaskNotRegistered, Message: "task " + taskID + " not registered", TaskID: taskID}
	}
	raw, err := marshalInput(input)
	if err != nil {
		return "", err
	}
	return s.schedules.Schedule(ctx, task, raw, spec)
}

func (s *Service) PauseSchedule(ctx context.Context, id string) error {
	return s.schedules.Pause(ctx, id)
}

func (s *Service) ResumeSchedule(ctx context.Context, id string) error {
	return s.schedules.Resume(ctx, id)
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	return s.schedules.Get(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context) ([]*store.Schedule, error) {
	return s.schedules.List(ctx)
}

func (s *Service) UpdateSchedule(ctx context.Context, id string, req *UpdateScheduleRequest) (*store.Schedule, error) {
	return s.schedules.Update(ctx, id, req)
}

func (s *Service) RemoveSchedule(ctx context.Context, id string) error {
	return s.schedules.Remove(ctx, id)
}

// Recover re-dispatches incomplete executions. Call once per worker boot,
// after Register calls and before or right after Start.
func (s *Service) Recover(ctx context.Context) error {
	return s.exec.Recover(ctx)
}

// ProcessExecution runs one attempt synchronously. Custom workers draining
// their own transport use this as the entry point.
func (s *Service) ProcessExecution(ctx context.Context, executionID string) error {
	return s.exec.ProcessExecution(ctx, executionID)
}

// Operator exposes the administrative surface.
func (s *Service) Operator() *Operator {
	return s.operator
}
