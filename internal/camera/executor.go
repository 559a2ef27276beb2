package camera

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Executor は投入されたタスクを1つのゴルーチンで順番に実行する
//
// キューは上限なしのFIFO。タスク内のpanicはログに記録され、後続タスクは実行され続ける
type Executor struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	done chan struct{}
}

// NewExecutor は新しいExecutorを作成してゴルーチンを開始する
func NewExecutor(name string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		name:   name,
		logger: logger.Named(name),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.loop()

	return e
}

// Submit はタスクをキューの末尾に追加する
func (e *Executor) Submit(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("%s: %w", e.name, ErrExecutorClosed)
	}

	e.queue = append(e.queue, fn)

	// 待機中のループを起こす
	select {
	case e.wake <- struct{}{}:
	default:
	}

	return nil
}

// Shutdown は新規投入を止め、キュー済みのタスクがすべて終わるまで待つ
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s の停止待ちがタイムアウト: %w", e.name, ctx.Err())
	}
}

// Done はループが終了したときにクローズされる
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) loop() {
	defer close(e.done)

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			if e.closed {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			continue
		}

		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(fn)
	}
}

func (e *Executor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("タスクがpanicしました", zap.Any("panic", r))
		}
	}()
	fn()
}

// call はタスクを投入し、その戻り値を待つ
func call[T any](ctx context.Context, e *Executor, fn func() (T, error)) (T, error) {
	var zero T

	type reply struct {
		value T
		err   error
	}
	replyCh := make(chan reply, 1)

	if err := e.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("タスクがpanicしました", zap.Any("panic", r))
				replyCh <- reply{err: fmt.Errorf("%s: タスクがpanicしました: %v", e.name, r)}
			}
		}()
		v, err := fn()
		replyCh <- reply{value: v, err: err}
	}); err != nil {
		return zero, err
	}

	select {
	case r := <-replyCh:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
