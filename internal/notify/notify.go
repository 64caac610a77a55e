// Package notify 保存站点展示过的通知，并把通知扇出到外部渠道（shoutrrr）。
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Notification 对应一次 showNotification 调用的全部参数。
type Notification struct {
	ID                 string            `json:"id"`
	Site               string            `json:"site"`
	Title              string            `json:"title"`
	Body               string            `json:"body"`
	Icon               string            `json:"icon"`
	Badge              string            `json:"badge"`
	Vibrate            []int             `json:"vibrate"`
	Tag                string            `json:"tag"`
	RequireInteraction bool              `json:"requireInteraction"`
	Data               map[string]string `json:"data,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// Notifier 是生命周期管理器依赖的通知能力。
type Notifier interface {
	// Show 展示通知；同一站点内相同 Tag 的通知会被替换。
	Show(ctx context.Context, n Notification) (Notification, error)
	// Close 关闭通知，返回通知是否仍存在。
	Close(ctx context.Context, id string) (Notification, bool, error)
}

// Dispatcher 把通知转发到外部渠道。
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// ErrNotFound 表示通知不存在或已关闭。
var ErrNotFound = errors.New("notification not found")

// Center 是进程内的通知中心，并发安全。
type Center struct {
	mu          sync.RWMutex
	items       map[string]Notification
	dispatchers []Dispatcher
	logger      *logrus.Logger
	now         func() time.Time
}

// NewCenter 创建通知中心，dispatchers 可为空。
func NewCenter(logger *logrus.Logger, dispatchers ...Dispatcher) *Center {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Center{
		items:       make(map[string]Notification),
		dispatchers: dispatchers,
		logger:      logger,
		now:         time.Now,
	}
}

// Show 记录通知并同步扇出到所有渠道。渠道失败不影响通知本身，只记录日志并合并返回错误。
func (c *Center) Show(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = c.now().UTC()
	}

	c.mu.Lock()
	if n.Tag != "" {
		for id, existing := range c.items {
			if existing.Site == n.Site && existing.Tag == n.Tag {
				delete(c.items, id)
			}
		}
	}
	c.items[n.ID] = n
	c.mu.Unlock()

	var errs []error
	for _, d := range c.dispatchers {
		if err := d.Dispatch(ctx, n); err != nil {
			c.logger.WithFields(logrus.Fields{
				"action":       "notify_dispatch",
				"site":         n.Site,
				"notification": n.ID,
			}).WithError(err).Warn("通知转发失败")
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// Close 移除通知。
func (c *Center) Close(_ context.Context, id string) (Notification, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[id]
	if ok {
		delete(c.items, id)
	}
	return n, ok, nil
}

// Get 返回指定通知。
func (c *Center) Get(id string) (Notification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.items[id]
	return n, ok
}

// List 返回站点仍在展示的通知，按创建时间升序。site 为空时返回全部。
func (c *Center) List(site string) []Notification {
	c.mu.RLock()
	result := make([]Notification, 0, len(c.items))
	for _, n := range c.items {
		if site == "" || n.Site == site {
			result = append(result, n)
		}
	}
	c.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}
