package host

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ExtendableEvent 允许事件处理方登记异步工作，运行时在关闭前等待这些工作完成。
type ExtendableEvent struct {
	Name string
	Site string

	tracker *tracker
	logger  *logrus.Logger
}

// WaitUntil 在后台执行 fn；fn 的错误只记录日志。
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) bool {
	ctx, ok := e.tracker.acquire()
	if !ok {
		e.logger.WithFields(logrus.Fields{"action": e.Name, "site": e.Site}).Warn("运行时正在关闭，丢弃事件")
		return false
	}
	go func() {
		defer e.tracker.release()
		if err := fn(ctx); err != nil {
			e.logger.WithFields(logrus.Fields{"action": e.Name, "site": e.Site}).WithError(err).Warn("事件处理失败")
		}
	}()
	return true
}

// tracker 统计未完成的事件工作。
type tracker struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	pending int
}

func newTracker() *tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &tracker{ctx: ctx, cancel: cancel}
}

func (t *tracker) acquire() (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	t.pending++
	t.wg.Add(1)
	return t.ctx, true
}

func (t *tracker) release() {
	t.mu.Lock()
	t.pending--
	t.mu.Unlock()
	t.wg.Done()
}

// Pending 返回仍在运行的工作数。
func (t *tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// close 拒绝新工作并等待已有工作完成；ctx 到期时取消所有工作的上下文。
func (t *tracker) close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		<-done
		return ctx.Err()
	}
}
