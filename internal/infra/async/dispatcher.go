package async

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"recipe-engagement/internal/infra/metrics"
)

// Task — фоновая задача побочного канала.
type Task func(ctx context.Context) error

type job struct {
	name    string
	fn      Task
	timeout time.Duration
}

// Dispatcher выполняет побочные задачи (рассылка, история) после фиксации основной мутации.
// Очередь ограничена: при переполнении задача отбрасывается, вызывающий код не блокируется.
type Dispatcher struct {
	log     zerolog.Logger
	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
}

// NewDispatcher запускает workers обработчиков с буфером buffer.
func NewDispatcher(logger zerolog.Logger, workers, buffer int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		log:     logger,
		jobs:    make(chan job, buffer),
		timeout: timeout,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Go ставит задачу в очередь. Возвращает false, если задача отброшена.
func (d *Dispatcher) Go(name string, timeout time.Duration, fn Task) bool {
	if timeout <= 0 {
		timeout = d.timeout
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().Str("task", name).Msg("async: диспетчер остановлен, задача отброшена")
		metrics.IncAsyncDropped(name)
		return false
	}
	select {
	case d.jobs <- job{name: name, fn: fn, timeout: timeout}:
		return true
	default:
		d.log.Warn().Str("task", name).Msg("async: очередь переполнена, задача отброшена")
		metrics.IncAsyncDropped(name)
		return false
	}
}

// Close перестаёт принимать задачи и дожидается выполнения уже поставленных.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("task", j.name).Interface("panic", r).Msg("async: паника в задаче")
		}
	}()
	if err := j.fn(ctx); err != nil {
		d.log.Warn().Err(err).Str("task", j.name).Msg("async: задача завершилась ошибкой")
	}
}
