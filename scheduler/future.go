package scheduler

import (
	"context"
	"sync"

	"geostream/resource"
)

// Future 命令的完成句柄，只结算一次
type Future struct {
	once    sync.Once
	done    chan struct{}
	handles []resource.Handle
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(handles []resource.Handle, err error) bool {
	settled := false
	f.once.Do(func() {
		f.handles, f.err = handles, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done 结算后关闭
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait 等待结算；ctx 取消时返回 ctx 的错误，命令本身不受影响
func (f *Future) Wait(ctx context.Context) ([]resource.Handle, error) {
	select {
	case <-f.done:
		return f.handles, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result 非阻塞读取结果，未结算时 ok 为 false
func (f *Future) Result() (handles []resource.Handle, ok bool, err error) {
	select {
	case <-f.done:
		return f.handles, true, f.err
	default:
		return nil, false, nil
	}
}

// Cancelled 是否以取消结算
func (f *Future) Cancelled() bool {
	_, ok, err := f.Result()
	return ok && IsCancelled(err)
}
