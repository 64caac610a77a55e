// Package syncqueue 保存离线期间提交的待同步任务（例如预约表单），
// 在后台同步事件触发时按指数退避重试，超过最大次数后转入死信。
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDeferred 表示提交方暂时无法处理任务；任务保持待处理且不计入重试次数。
var ErrDeferred = errors.New("sync submission deferred")

// Task 是一条待同步任务。
type Task struct {
	ID          string          `json:"id"`
	Site        string          `json:"site"`
	Tag         string          `json:"tag"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	NextAttempt time.Time       `json:"nextAttempt"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Submitter 把任务交给后端。
type Submitter interface {
	Submit(ctx context.Context, task Task) error
}

// SubmitterFunc 允许直接使用函数作为 Submitter。
type SubmitterFunc func(ctx context.Context, task Task) error

// Submit 调用 f。
func (f SubmitterFunc) Submit(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// DeferredSubmitter 是尚未对接预约后端时的占位实现，所有任务保持待处理。
var DeferredSubmitter Submitter = SubmitterFunc(func(context.Context, Task) error {
	return ErrDeferred
})

// Policy 描述重试节奏。
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff 返回第 attempt 次失败后的等待时间：InitialBackoff * 2^(attempt-1)，不超过 MaxBackoff。
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.MaxBackoff > 0 && wait >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}

// Result 汇总一次 Drain 的结果。
type Result struct {
	Submitted    int `json:"submitted"`
	Deferred     int `json:"deferred"`
	Retrying     int `json:"retrying"`
	DeadLettered int `json:"deadLettered"`
	NotDue       int `json:"notDue"`
}

// Queue 是单个站点的待同步队列，并发安全。
type Queue struct {
	policy    Policy
	submitter Submitter
	now       func() time.Time

	mu      sync.Mutex
	pending []Task
	dead    []Task
	// draining 防止多个同步事件同时提交同一批任务。
	draining bool
}

// New 创建队列；submitter 为空时使用 DeferredSubmitter。
func New(policy Policy, submitter Submitter) *Queue {
	if submitter == nil {
		submitter = DeferredSubmitter
	}
	return &Queue{policy: policy, submitter: submitter, now: time.Now}
}

// Enqueue 追加任务并立即可被下一次 Drain 处理。
func (q *Queue) Enqueue(site, tag string, payload []byte) (Task, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return Task{}, fmt.Errorf("sync payload must be JSON")
	}
	now := q.now().UTC()
	task := Task{
		ID:          uuid.NewString(),
		Site:        site,
		Tag:         tag,
		Payload:     append(json.RawMessage(nil), payload...),
		NextAttempt: now,
		CreatedAt:   now,
	}
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	return task, nil
}

// Pending 返回待处理任务的副本，按创建时间排序。
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneTasks(q.pending)
}

// DeadLetters 返回已放弃的任务。
func (q *Queue) DeadLetters() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneTasks(q.dead)
}

// Len 返回待处理任务数。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain 依次提交所有到期任务。提交期间不持有锁，新入队的任务留到下一轮。
func (q *Queue) Drain(ctx context.Context) (Result, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return Result{}, nil
	}
	q.draining = true
	batch := cloneTasks(q.pending)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var result Result
	done := make(map[string]struct{})
	updated := make(map[string]Task)
	var dead []Task

	for _, task := range batch {
		if err := ctx.Err(); err != nil {
			q.apply(done, updated, dead)
			return result, err
		}
		now := q.now().UTC()
		if task.NextAttempt.After(now) {
			result.NotDue++
			continue
		}

		err := q.submitter.Submit(ctx, task)
		switch {
		case err == nil:
			result.Submitted++
			done[task.ID] = struct{}{}
		case errors.Is(err, ErrDeferred):
			result.Deferred++
		default:
			task.Attempts++
			task.LastError = err.Error()
			if task.Attempts > q.policy.MaxRetries {
				result.DeadLettered++
				done[task.ID] = struct{}{}
				dead = append(dead, task)
				continue
			}
			task.NextAttempt = now.Add(q.policy.Backoff(task.Attempts))
			updated[task.ID] = task
			result.Retrying++
		}
	}

	q.apply(done, updated, dead)
	return result, nil
}

func (q *Queue) apply(done map[string]struct{}, updated map[string]Task, dead []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, task := range q.pending {
		if _, ok := done[task.ID]; ok {
			continue
		}
		if next, ok := updated[task.ID]; ok {
			task = next
		}
		kept = append(kept, task)
	}
	q.pending = kept
	q.dead = append(q.dead, dead...)
}

func cloneTasks(tasks []Task) []Task {
	result := make([]Task, len(tasks))
	copy(result, tasks)
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}
