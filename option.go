package request_queue

import (
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
)

// Observer получает события очереди, например для метрик.
// Методы вызываются под мьютексом очереди и не должны блокироваться
// или обращаться к самой очереди.
type Observer interface {
	// ObserveStatus — новое состояние очереди после каждого изменения
	ObserveStatus(status Status)
	// TaskStarted — задача запущена, wait — сколько она ждала в очереди
	TaskStarted(wait time.Duration)
	// TaskFinished — задача завершена (err == nil при успехе)
	TaskFinished(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveStatus(Status)              {}
func (nopObserver) TaskStarted(time.Duration)         {}
func (nopObserver) TaskFinished(time.Duration, error) {}

// Option — настройка очереди
type Option func(*RequestQueue)

// WithLogger — куда писать уведомления о старте и завершении задач
func WithLogger(logger logr.Logger) Option {
	return func(q *RequestQueue) {
		q.logger = logger
	}
}

// WithTracer — трейсер для спанов задач
func WithTracer(tracer trace.Tracer) Option {
	return func(q *RequestQueue) {
		if tracer != nil {
			q.tracer = tracer
		}
	}
}

// WithObserver — подписчик на изменения состояния очереди
func WithObserver(observer Observer) Option {
	return func(q *RequestQueue) {
		if observer != nil {
			q.observer = observer
		}
	}
}
