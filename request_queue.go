package request_queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "request_queue"

var (
	// ErrNilOperation — в очередь поставили nil вместо операции
	ErrNilOperation = errors.New("request queue: nil operation")
	// ErrTaskPanicked — операция завершилась паникой
	ErrTaskPanicked = errors.New("request queue: task panicked")
	// ErrTaskAborted — операция завершила горутину через runtime.Goexit
	ErrTaskAborted = errors.New("request queue: task aborted")
)

// Operation — отложенная операция, выполняется ровно один раз
type Operation func() (any, error)

// Status — снимок состояния очереди
type Status struct {
	ActiveCount int `json:"activeCount"`
	QueuedCount int `json:"queuedCount"`
}

type task struct {
	id         string
	op         Operation
	future     *Future
	parent     trace.SpanContext
	enqueuedAt time.Time
	// сколько задач осталось ждать в момент запуска этой
	backlog int
}

// RequestQueue — FIFO-очередь, выполняющая не более одной задачи одновременно
type RequestQueue struct {
	mu      sync.Mutex
	pending []*task
	active  int

	logger   logr.Logger
	tracer   trace.Tracer
	observer Observer
}

// New — создаёт пустую очередь
func New(opts ...Option) *RequestQueue {
	q := &RequestQueue{
		logger:   stdr.New(log.Default()).WithName("request-queue"),
		tracer:   otel.Tracer(tracerName),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue — поставить операцию в конец очереди, не блокируясь
func (q *RequestQueue) Enqueue(op Operation) *Future {
	return q.EnqueueContext(context.Background(), op)
}

// EnqueueContext — как Enqueue, спан задачи становится дочерним для спана из ctx.
// Отмена ctx на задачу не влияет.
func (q *RequestQueue) EnqueueContext(ctx context.Context, op Operation) *Future {
	id := uuid.NewString()
	t := &task{
		id:         id,
		op:         op,
		future:     newFuture(id),
		parent:     trace.SpanContextFromContext(ctx),
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, t)
	next := q.dispatchLocked()
	q.observer.ObserveStatus(q.statusLocked())
	q.mu.Unlock()

	if next != nil {
		go q.run(next)
	}
	return t.future
}

// EnqueueWait — поставить операцию в очередь и дождаться её результата
func (q *RequestQueue) EnqueueWait(op Operation) (any, error) {
	return q.Enqueue(op).Result()
}

// Do — типизированная обёртка над EnqueueContext.
// ctx ограничивает только ожидание, задача всё равно будет выполнена.
func Do[T any](ctx context.Context, q *RequestQueue, fn func() (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilOperation
	}

	v, err := q.EnqueueContext(ctx, func() (any, error) {
		return fn()
	}).Wait(ctx)
	if err != nil {
		return zero, err
	}
	res, _ := v.(T)
	return res, nil
}

// Status — атомарный снимок {активных, ожидающих}
func (q *RequestQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *RequestQueue) statusLocked() Status {
	return Status{ActiveCount: q.active, QueuedCount: len(q.pending)}
}

// dispatchLocked — если слот свободен, забрать голову очереди и занять слот
func (q *RequestQueue) dispatchLocked() *task {
	if q.active > 0 || len(q.pending) == 0 {
		return nil
	}

	t := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.pending = nil
	}

	q.active = 1
	t.backlog = len(q.pending)
	q.observer.TaskStarted(time.Since(t.enqueuedAt))
	return t
}

// run — исполнитель: выполняет задачу и сразу берёт следующую.
// Цикл, а не рекурсия: глубина стека не зависит от длины очереди.
func (q *RequestQueue) run(t *task) {
	for t != nil {
		t = q.step(t)
	}
}

// step — выполнить одну задачу, освободить слот и вернуть следующую.
// Если операция вызвала runtime.Goexit, слот освобождается в defer,
// а следующая задача запускается в новой горутине.
func (q *RequestQueue) step(t *task) *task {
	start := time.Now()
	normalReturn := false
	defer func() {
		if normalReturn {
			return
		}
		q.logger.Error(ErrTaskAborted, "task aborted", "task", t.id)
		if next := q.settle(t, start, nil, ErrTaskAborted); next != nil {
			go q.run(next)
		}
	}()

	value, err := q.execute(t)
	normalReturn = true
	return q.settle(t, start, value, err)
}

func (q *RequestQueue) settle(t *task, start time.Time, value any, err error) *task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active = 0
	q.observer.TaskFinished(time.Since(start), err)
	t.future.settle(value, err)
	next := q.dispatchLocked()
	q.observer.ObserveStatus(q.statusLocked())
	return next
}

// execute — выполнить операцию вне блокировки
func (q *RequestQueue) execute(t *task) (any, error) {
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), t.parent)
	_, span := q.tracer.Start(ctx, "request_queue.task",
		trace.WithAttributes(
			attribute.String("task.id", t.id),
			attribute.Int("queue.remaining", t.backlog),
		),
	)
	defer span.End()

	q.logger.Info("starting task", "task", t.id, "remaining", t.backlog)

	start := time.Now()
	value, err := q.invoke(t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.logger.Info("task failed", "task", t.id, "error", err.Error())
		return nil, err
	}

	q.logger.Info("task finished", "task", t.id, "elapsed", time.Since(start))
	return value, nil
}

func (q *RequestQueue) invoke(t *task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error(nil, "task panic", "task", t.id, "panic", r, "stack", string(debug.Stack()))
			value, err = nil, fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()

	if t.op == nil {
		return nil, ErrNilOperation
	}
	return t.op()
}
