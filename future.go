package request_queue

import "context"

// Future — одноразовый дескриптор результата задачи
type Future struct {
	id   string
	done chan struct{}

	value any
	err   error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID — идентификатор задачи
func (f *Future) ID() string {
	return f.id
}

// Done — канал закрывается, когда задача завершена
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result — дождаться завершения задачи и вернуть её результат
func (f *Future) Result() (any, error) {
	<-f.done
	return f.value, f.err
}

// Wait — как Result, но прекращает ожидание по ctx.
// Сама задача при этом остаётся в очереди и будет выполнена.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle вызывается ровно один раз, под мьютексом очереди
func (f *Future) settle(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}
