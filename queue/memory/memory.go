// Package memory implements the queue contract in process memory. Messages
// are buffered in a channel and drained by a single consumer goroutine;
// nacked messages are redelivered up to their MaxAttempts.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/hrygo/durable/queue"
)

const defaultMaxAttempts = 5

type envelope struct {
	msg     *queue.Message
	attempt int
}

// Queue is an in-process queue.Queue.
type Queue struct {
	logger *slog.Logger

	mu       sync.Mutex
	ch       chan *envelope
	handler  queue.Handler
	closed   bool
	stopCh   chan struct{}
	drained  sync.WaitGroup
	consumed bool
}

// New creates a queue with the given buffer capacity (default 1024).
func New(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger: logger,
		ch:     make(chan *envelope, capacity),
		stopCh: make(chan struct{}),
	}
}

var _ queue.Queue = (*Queue)(nil)

func (q *Queue) Enqueue(_ context.Context, msg *queue.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	q.mu.Unlock()
	select {
	case q.ch <- &envelope{msg: msg, attempt: 1}:
		return nil
	default:
		return errors.New("queue full")
	}
}

// Consume starts a single consumer goroutine. Calling it twice is an error.
func (q *Queue) Consume(handler queue.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumed {
		return errors.New("queue already has a consumer")
	}
	q.consumed = true
	q.handler = handler
	q.drained.Add(1)
	go q.run()
	return nil
}

func (q *Queue) run() {
	defer q.drained.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case env := <-q.ch:
			q.deliver(env)
		}
	}
}

func (q *Queue) deliver(env *envelope) {
	delivery := &queue.Delivery{
		Message: env.msg,
		Attempt: env.attempt,
		AckFunc: func() {},
		NackFunc: func(requeue bool) {
			if !requeue {
				return
			}
			maxAttempts := env.msg.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = defaultMaxAttempts
			}
			if env.attempt >= maxAttempts {
				q.logger.Warn("dropping message after max delivery attempts",
					"type", env.msg.Type, "attempts", env.attempt)
				return
			}
			select {
			case q.ch <- &envelope{msg: env.msg, attempt: env.attempt + 1}:
			default:
				q.logger.Warn("queue full, dropping redelivery", "type", env.msg.Type)
			}
		},
	}
	q.handler(context.Background(), delivery)
}

// Dispose stops the consumer. Pending messages stay in the buffer; durable
// state lives in the store, so a recovery sweep re-derives the work.
func (q *Queue) Dispose(_ context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopCh)
	consumed := q.consumed
	q.mu.Unlock()
	if consumed {
		q.drained.Wait()
	}
	return nil
}
