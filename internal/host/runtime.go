// Package host 承载所有站点的生命周期管理器：为每个站点准备存储、同步队列与网络，
// 串行化版本更新，并以 ExtendableEvent 的方式调度推送与后台同步。
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/deep-blue/dcms-edge/internal/cache"
	"github.com/deep-blue/dcms-edge/internal/config"
	"github.com/deep-blue/dcms-edge/internal/lifecycle"
	"github.com/deep-blue/dcms-edge/internal/logging"
	"github.com/deep-blue/dcms-edge/internal/notify"
	"github.com/deep-blue/dcms-edge/internal/strategy"
	"github.com/deep-blue/dcms-edge/internal/syncqueue"
	"github.com/deep-blue/dcms-edge/internal/telemetry"
)

var (
	// ErrUnknownSite 表示站点名未在配置中声明。
	ErrUnknownSite = errors.New("unknown site")
	// ErrNotActive 表示站点尚无激活的版本。
	ErrNotActive = errors.New("site has no active version")
	// ErrInvalidVersion 表示请求的缓存版本无法安全使用。
	ErrInvalidVersion = errors.New("invalid cache version")
)

// FetcherFactory 为站点创建访问上游的网络实现。
type FetcherFactory func(site config.SiteConfig) (lifecycle.Fetcher, error)

// Options 汇总运行时依赖。Config、Storage 与 Fetchers 必填。
type Options struct {
	Config       *config.Config
	Logger       *logrus.Logger
	Reporter     telemetry.Reporter
	Storage      StorageFactory
	StorageClose func() error
	Fetchers     FetcherFactory
	Submitter    syncqueue.Submitter
	Dispatchers  []notify.Dispatcher
}

type siteRuntime struct {
	cfg     config.SiteConfig
	origin  *url.URL
	reg     *Registration
	storage cache.Storage
	queue   *syncqueue.Queue
	fetcher lifecycle.Fetcher
}

// Runtime 管理全部站点。
type Runtime struct {
	cfg      *config.Config
	logger   *logrus.Logger
	reporter telemetry.Reporter
	center   *notify.Center
	monitor  *Monitor
	tracker  *tracker

	storageClose func() error

	order []string
	sites map[string]*siteRuntime

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New 为每个站点准备存储、同步队列与网络；不会安装任何版本。
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil {
		return nil, errors.New("config required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage factory required")
	}
	if opts.Fetchers == nil {
		return nil, errors.New("fetcher factory required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = telemetry.Nop{}
	}
	submitter := opts.Submitter
	if submitter == nil {
		submitter = syncqueue.DeferredSubmitter
	}

	rt := &Runtime{
		cfg:          opts.Config,
		logger:       logger,
		reporter:     reporter,
		center:       notify.NewCenter(logger, opts.Dispatchers...),
		tracker:      newTracker(),
		storageClose: opts.StorageClose,
		sites:        make(map[string]*siteRuntime, len(opts.Config.Sites)),
	}
	rt.monitor = NewMonitor(rt.probe, rt.recovered, opts.Config.Global.ProbeInterval.DurationValue(), logger)

	policy := syncqueue.Policy{
		MaxRetries:     opts.Config.Global.MaxRetries,
		InitialBackoff: opts.Config.Global.InitialBackoff.DurationValue(),
		MaxBackoff:     opts.Config.Global.MaxBackoff.DurationValue(),
	}

	for _, siteCfg := range opts.Config.Sites {
		origin, err := siteCfg.OriginURL()
		if err != nil {
			rt.closeStorages()
			return nil, fmt.Errorf("site %s origin: %w", siteCfg.Name, err)
		}
		storage, err := opts.Storage(siteCfg.Name)
		if err != nil {
			rt.closeStorages()
			return nil, fmt.Errorf("site %s storage: %w", siteCfg.Name, err)
		}
		fetcher, err := opts.Fetchers(siteCfg)
		if err != nil {
			_ = storage.Close()
			rt.closeStorages()
			return nil, fmt.Errorf("site %s fetcher: %w", siteCfg.Name, err)
		}
		s := &siteRuntime{
			cfg:     siteCfg,
			origin:  origin,
			storage: storage,
			queue:   syncqueue.New(policy, submitter),
			fetcher: fetcher,
		}
		s.reg = NewRegistration(siteCfg, rt.managerFactory(s), logger)
		rt.sites[siteCfg.Name] = s
		rt.order = append(rt.order, siteCfg.Name)
	}
	return rt, nil
}

func (rt *Runtime) managerFactory(s *siteRuntime) ManagerFactory {
	return func(version string, clients lifecycle.Clients) (*lifecycle.Manager, error) {
		meta, ok := strategy.Resolve(s.cfg.Strategy)
		if !ok {
			return nil, fmt.Errorf("strategy %s not registered", s.cfg.Strategy)
		}
		return lifecycle.New(lifecycle.Config{
			Site:              s.cfg.Name,
			Origin:            s.origin,
			Version:           version,
			Prefixes:          rt.cfg.Global.CachePrefixes,
			APIPrefix:         s.cfg.APIPrefix,
			Precache:          s.cfg.Precache,
			OfflineShell:      s.cfg.OfflineShell,
			SyncTag:           s.cfg.SyncTag,
			NotificationTitle: s.cfg.NotificationTitle,
			NotificationRoute: s.cfg.NotificationRoute,
			MaxEntrySize:      rt.cfg.Global.MaxEntrySize,
			Strategy:          meta,
		}, lifecycle.Deps{
			Storage:      s.storage,
			Fetcher:      s.fetcher,
			Notifier:     rt.center,
			Clients:      clients,
			Queue:        s.queue,
			Reporter:     rt.reporter,
			Connectivity: rt.monitor,
			Logger:       rt.logger,
		})
	}
}

func (rt *Runtime) site(name string) (*siteRuntime, error) {
	s, ok := rt.sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, name)
	}
	return s, nil
}

func (rt *Runtime) active(name string) (*lifecycle.Manager, error) {
	s, err := rt.site(name)
	if err != nil {
		return nil, err
	}
	m := s.reg.Active()
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, name)
	}
	return m, nil
}

// Sites 按配置顺序返回站点名。
func (rt *Runtime) Sites() []string {
	return append([]string(nil), rt.order...)
}

// Registration 返回站点注册。
func (rt *Runtime) Registration(name string) (*Registration, bool) {
	s, ok := rt.sites[name]
	if !ok {
		return nil, false
	}
	return s.reg, true
}

// Monitor 返回连通性监视器。
func (rt *Runtime) Monitor() *Monitor {
	return rt.monitor
}

// Notifications 返回站点仍在展示的通知。
func (rt *Runtime) Notifications(site string) []notify.Notification {
	return rt.center.List(site)
}

// InstallAll 将每个站点更新到配置的缓存版本；单个站点失败不影响其它站点。
func (rt *Runtime) InstallAll(ctx context.Context) error {
	var errs []error
	for _, name := range rt.order {
		s := rt.sites[name]
		if _, err := s.reg.Update(ctx, rt.cfg.EffectiveCacheVersion(s.cfg)); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Update 将站点更新到指定版本；version 为空时使用配置的版本。
func (rt *Runtime) Update(ctx context.Context, site, version string) (*lifecycle.Manager, error) {
	s, err := rt.site(site)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = rt.cfg.EffectiveCacheVersion(s.cfg)
	}
	if err := config.ValidateVersion(version, rt.cfg.Global.CachePrefixes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidVersion, err)
	}
	return s.reg.Update(ctx, version)
}

// ActiveVersion 返回站点当前接管请求的缓存版本；尚无激活版本时为空。
func (rt *Runtime) ActiveVersion(site string) string {
	s, ok := rt.sites[site]
	if !ok {
		return ""
	}
	if m := s.reg.Active(); m != nil {
		return m.Version()
	}
	return ""
}

// Fetch 将请求交给站点当前管理器。
func (rt *Runtime) Fetch(ctx context.Context, site string, req *http.Request) (*lifecycle.FetchResult, error) {
	m, err := rt.active(site)
	if err != nil {
		return nil, err
	}
	return m.HandleFetch(ctx, req)
}

// Forward 绕过缓存直接访问站点上游。
func (rt *Runtime) Forward(ctx context.Context, site string, req *http.Request) (*http.Response, error) {
	s, err := rt.site(site)
	if err != nil {
		return nil, err
	}
	return s.fetcher.Fetch(ctx, req)
}

// Sync 立即对站点执行一次后台同步。
func (rt *Runtime) Sync(ctx context.Context, site string) (syncqueue.Result, error) {
	m, err := rt.active(site)
	if err != nil {
		return syncqueue.Result{}, err
	}
	return m.Sync(ctx, rt.sites[site].cfg.SyncTag)
}

// EnqueueSync 保存一条待同步任务；站点在线时立即调度同步。
func (rt *Runtime) EnqueueSync(site string, payload []byte) (syncqueue.Task, error) {
	s, err := rt.site(site)
	if err != nil {
		return syncqueue.Task{}, err
	}
	task, err := s.queue.Enqueue(site, s.cfg.SyncTag, payload)
	if err != nil {
		return syncqueue.Task{}, err
	}
	if !rt.monitor.Offline(site) {
		rt.DispatchSync(site)
	}
	return task, nil
}

// PendingSync 返回站点的待同步任务与死信。
func (rt *Runtime) PendingSync(site string) (pending, dead []syncqueue.Task, err error) {
	s, err := rt.site(site)
	if err != nil {
		return nil, nil, err
	}
	return s.queue.Pending(), s.queue.DeadLetters(), nil
}

// Push 同步处理一条推送。
func (rt *Runtime) Push(ctx context.Context, site string, payload []byte) (notify.Notification, error) {
	m, err := rt.active(site)
	if err != nil {
		return notify.Notification{}, err
	}
	return m.Push(ctx, payload)
}

// Click 处理通知点击，返回需要打开的地址。
func (rt *Runtime) Click(ctx context.Context, site, id string) (string, error) {
	m, err := rt.active(site)
	if err != nil {
		return "", err
	}
	return m.NotificationClick(ctx, id)
}

// Event 创建绑定到运行时的可延长事件。
func (rt *Runtime) Event(name, site string) *ExtendableEvent {
	return &ExtendableEvent{Name: name, Site: site, tracker: rt.tracker, logger: rt.logger}
}

// DispatchPush 异步处理推送。
func (rt *Runtime) DispatchPush(site string, payload []byte) bool {
	data := append([]byte(nil), payload...)
	return rt.Event("push", site).WaitUntil(func(ctx context.Context) error {
		_, err := rt.Push(ctx, site, data)
		return err
	})
}

// DispatchSync 异步执行后台同步。
func (rt *Runtime) DispatchSync(site string) bool {
	return rt.Event("sync", site).WaitUntil(func(ctx context.Context) error {
		_, err := rt.Sync(ctx, site)
		return err
	})
}

// PendingEvents 返回尚未完成的事件数。
func (rt *Runtime) PendingEvents() int {
	return rt.tracker.Pending()
}

// probe 用 HEAD 请求检查站点根路径，任何 HTTP 响应都视为可达。
func (rt *Runtime) probe(ctx context.Context, site string) error {
	s, err := rt.site(site)
	if err != nil {
		return err
	}
	target := *s.origin
	target.Path = "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (rt *Runtime) recovered(site string) {
	s, ok := rt.sites[site]
	if !ok || s.queue.Len() == 0 {
		return
	}
	rt.DispatchSync(site)
}

// Start 启动连通性探测循环。重复调用无效。
func (rt *Runtime) Start() {
	rt.runMu.Lock()
	defer rt.runMu.Unlock()
	if rt.runCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rt.runCancel = cancel
	rt.runDone = done
	go func() {
		defer close(done)
		rt.monitor.Run(ctx)
	}()
}

// Shutdown 停止探测，等待进行中的事件，并关闭所有存储。
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.runMu.Lock()
	if rt.runCancel != nil {
		rt.runCancel()
		<-rt.runDone
		rt.runCancel = nil
	}
	rt.runMu.Unlock()

	var errs []error
	if err := rt.tracker.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait events: %w", err))
	}
	errs = append(errs, rt.closeStorages())
	if rt.storageClose != nil {
		errs = append(errs, rt.storageClose())
	}
	err := errors.Join(errs...)

	fields := logging.BaseFields("shutdown", "")
	if err != nil {
		rt.logger.WithFields(fields).WithError(err).Warn("运行时关闭时出现错误")
	} else {
		rt.logger.WithFields(fields).Info("运行时已关闭")
	}
	return err
}

func (rt *Runtime) closeStorages() error {
	var errs []error
	for name, s := range rt.sites {
		if err := s.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s storage: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// SiteStatus 是诊断端点展示的站点状态。
type SiteStatus struct {
	Name        string   `json:"name"`
	Domain      string   `json:"domain"`
	Origin      string   `json:"origin"`
	Strategy    string   `json:"strategy"`
	Version     string   `json:"version,omitempty"`
	State       string   `json:"state"`
	Installing  string   `json:"installing,omitempty"`
	Offline     bool     `json:"offline"`
	PendingSync int      `json:"pendingSync"`
	DeadLetters int      `json:"deadLetters"`
	Windows     []Window `json:"windows,omitempty"`
}

// Status 按配置顺序返回所有站点的状态。
func (rt *Runtime) Status() []SiteStatus {
	result := make([]SiteStatus, 0, len(rt.order))
	for _, name := range rt.order {
		s := rt.sites[name]
		status := SiteStatus{
			Name:        name,
			Domain:      s.cfg.Domain,
			Origin:      s.origin.String(),
			Strategy:    s.cfg.Strategy,
			State:       "none",
			Offline:     rt.monitor.Offline(name),
			PendingSync: s.queue.Len(),
			DeadLetters: len(s.queue.DeadLetters()),
			Windows:     s.reg.Windows(),
		}
		if m := s.reg.Active(); m != nil {
			status.Version = m.Version()
			status.State = m.State().String()
		}
		if m := s.reg.Installing(); m != nil {
			status.Installing = m.Version()
		}
		result = append(result, status)
	}
	return result
}

// PartitionInfo 描述站点存储中的一个分区。
type PartitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Partitions 列出站点存储中的所有分区及条目数。
func (rt *Runtime) Partitions(ctx context.Context, site string) ([]PartitionInfo, error) {
	s, err := rt.site(site)
	if err != nil {
		return nil, err
	}
	names, err := s.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var current lifecycle.Partitions
	if m := s.reg.Active(); m != nil {
		current = m.Partitions()
	}
	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		part, err := s.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := part.Keys(ctx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, PartitionInfo{
			Name:    name.String(),
			Entries: len(keys),
			Current: current.Current(name),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}
