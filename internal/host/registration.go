package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deep-blue/dcms-edge/internal/config"
	"github.com/deep-blue/dcms-edge/internal/lifecycle"
	"github.com/deep-blue/dcms-edge/internal/logging"
)

// ManagerFactory 为指定版本构建新的生命周期管理器，Clients 已绑定到所属 Registration。
type ManagerFactory func(version string, clients lifecycle.Clients) (*lifecycle.Manager, error)

// Window 记录一次 OpenWindow 调用。
type Window struct {
	URL      string    `json:"url"`
	OpenedAt time.Time `json:"openedAt"`
}

const maxWindows = 20

// Registration 对应一个站点：持有当前接管请求的管理器，并串行化版本更新。
type Registration struct {
	site    config.SiteConfig
	factory ManagerFactory
	logger  *logrus.Logger

	active     atomic.Pointer[lifecycle.Manager]
	installing atomic.Pointer[lifecycle.Manager]

	updateMu sync.Mutex

	windowsMu sync.Mutex
	windows   []Window
}

// NewRegistration 创建尚无激活版本的站点注册。
func NewRegistration(site config.SiteConfig, factory ManagerFactory, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{site: site, factory: factory, logger: logger}
}

// Site 返回站点配置副本。
func (r *Registration) Site() config.SiteConfig {
	return r.site
}

// Name 返回站点名。
func (r *Registration) Name() string {
	return r.site.Name
}

// Active 返回当前接管请求的管理器；尚未激活任何版本时为 nil。
func (r *Registration) Active() *lifecycle.Manager {
	return r.active.Load()
}

// Installing 返回正在安装的管理器。
func (r *Registration) Installing() *lifecycle.Manager {
	return r.installing.Load()
}

// Update 安装并激活指定版本。安装或激活失败时保持原有管理器继续服务。
// 版本与当前激活版本相同时直接返回当前管理器。
func (r *Registration) Update(ctx context.Context, version string) (*lifecycle.Manager, error) {
	if r.factory == nil {
		return nil, errors.New("registration has no manager factory")
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if current := r.active.Load(); current != nil && current.Version() == version {
		return current, nil
	}

	m, err := r.factory(version, r)
	if err != nil {
		return nil, fmt.Errorf("build manager %s: %w", version, err)
	}
	r.installing.Store(m)
	defer r.installing.Store(nil)

	if err := m.Install(ctx); err != nil {
		return nil, err
	}
	if err := m.Activate(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Claim 由管理器在激活完成后调用，原子替换当前管理器，并让旧管理器退役。
func (r *Registration) Claim(_ context.Context, m *lifecycle.Manager) error {
	if m == nil {
		return errors.New("nil manager")
	}
	prev := r.active.Swap(m)
	if prev != nil && prev != m {
		prev.Retire()
	}
	entry := r.logger.WithFields(logging.SiteFields(r.site.Name, r.site.Domain, m.Strategy(), m.Version())).
		WithField("action", "claim")
	if prev != nil {
		entry = entry.WithField("previous_version", prev.Version())
	}
	entry.Info("新版本已接管站点")
	return nil
}

// OpenWindow 记录需要打开的页面，供诊断端点查看。
func (r *Registration) OpenWindow(_ context.Context, target string) error {
	r.windowsMu.Lock()
	r.windows = append(r.windows, Window{URL: target, OpenedAt: time.Now().UTC()})
	if len(r.windows) > maxWindows {
		r.windows = r.windows[len(r.windows)-maxWindows:]
	}
	r.windowsMu.Unlock()
	return nil
}

// Windows 返回最近打开过的页面。
func (r *Registration) Windows() []Window {
	r.windowsMu.Lock()
	defer r.windowsMu.Unlock()
	return append([]Window(nil), r.windows...)
}
