package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/deep-blue/dcms-edge/internal/cache"
	"github.com/deep-blue/dcms-edge/internal/notify"
	"github.com/deep-blue/dcms-edge/internal/strategy"
	"github.com/deep-blue/dcms-edge/internal/syncqueue"
	"github.com/deep-blue/dcms-edge/internal/telemetry"
)

var (
	// ErrPassthrough 表示请求不由缓存处理，调用方应原样转发到网络。
	ErrPassthrough = errors.New("request not intercepted")

	// ErrNetwork 表示网络失败且没有可用的离线兜底。
	ErrNetwork = errors.New("network unavailable")

	// ErrStore 表示缓存存储读取失败（未命中除外），不回退离线页面，直接交给调用方。
	ErrStore = errors.New("cache store failed")

	// ErrNotInstalled 表示在安装完成前调用了激活。
	ErrNotInstalled = errors.New("manager not installed")
)

// Fetcher 代表网络。返回响应的 Request.URL 必须是公开地址，用于判断响应是否同源。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Clients 代表受控的页面。
type Clients interface {
	// Claim 让当前管理器立即接管所有请求。
	Claim(ctx context.Context, m *Manager) error
	// OpenWindow 打开或聚焦指定地址。
	OpenWindow(ctx context.Context, target string) error
}

// Connectivity 接收网络可达性变化。
type Connectivity interface {
	NetworkFailed(site string, err error)
	NetworkOK(site string)
}

// Config 描述一个站点某个版本的缓存行为。
type Config struct {
	Site              string
	Origin            *url.URL
	Version           string
	Prefixes          []string
	APIPrefix         string
	Precache          []string
	OfflineShell      string
	SyncTag           string
	NotificationTitle string
	NotificationRoute string
	MaxEntrySize      int64
	Strategy          strategy.Metadata
}

// Deps 是管理器依赖的外部能力；Storage 与 Fetcher 必填。
type Deps struct {
	Storage      cache.Storage
	Fetcher      Fetcher
	Notifier     notify.Notifier
	Clients      Clients
	Queue        *syncqueue.Queue
	Reporter     telemetry.Reporter
	Connectivity Connectivity
	Logger       *logrus.Logger
}

// Manager 拥有某站点某版本的静态与动态分区，并处理安装、激活、请求拦截等事件。
type Manager struct {
	cfg   Config
	deps  Deps
	parts Partitions
	state atomic.Int32

	// writeMu 让 Retire 等待进行中的动态分区写入结束。
	writeMu sync.RWMutex
}

// New 校验配置并创建管理器，初始状态为 StateParsed。
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Storage == nil {
		return nil, errors.New("storage required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if cfg.Origin == nil || cfg.Origin.Scheme == "" || cfg.Origin.Host == "" {
		return nil, errors.New("absolute site origin required")
	}
	if cfg.Strategy.Handler == nil {
		meta, ok := strategy.Resolve(strategy.DefaultKey())
		if !ok {
			return nil, fmt.Errorf("strategy %s not registered", strategy.DefaultKey())
		}
		cfg.Strategy = meta
	}
	parts, err := PartitionsFor(cfg.Version)
	if err != nil {
		return nil, err
	}

	origin := *cfg.Origin
	origin.Scheme = strings.ToLower(origin.Scheme)
	origin.Host = strings.ToLower(origin.Host)
	origin.Path, origin.RawPath, origin.RawQuery, origin.Fragment = "", "", "", ""
	cfg.Origin = &origin

	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = DefaultPrefixes
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = DefaultAPIPrefix
	}
	if cfg.Precache == nil {
		cfg.Precache = DefaultPrecache
	}
	if cfg.OfflineShell == "" {
		cfg.OfflineShell = DefaultOfflineShell
	}
	if cfg.SyncTag == "" {
		cfg.SyncTag = SyncBookingsTag
	}
	if cfg.NotificationTitle == "" {
		cfg.NotificationTitle = DefaultNotificationTitle
	}
	if cfg.NotificationRoute == "" {
		cfg.NotificationRoute = DefaultNotificationRoute
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	return &Manager{cfg: cfg, deps: deps, parts: parts}, nil
}

// Site 返回站点名。
func (m *Manager) Site() string {
	return m.cfg.Site
}

// Version 返回缓存版本。
func (m *Manager) Version() string {
	return m.cfg.Version
}

// Origin 返回站点公开 Origin 的副本。
func (m *Manager) Origin() *url.URL {
	u := *m.cfg.Origin
	return &u
}

// Partitions 返回当前版本的分区名。
func (m *Manager) Partitions() Partitions {
	return m.parts
}

// Strategy 返回站点使用的策略键。
func (m *Manager) Strategy() string {
	return m.cfg.Strategy.Key
}

// Storage 返回站点的分区存储。
func (m *Manager) Storage() cache.Storage {
	return m.deps.Storage
}

// Queue 返回后台同步队列，可能为 nil。
func (m *Manager) Queue() *syncqueue.Queue {
	return m.deps.Queue
}

// State 返回当前生命周期状态。
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Retire 在管理器被新版本取代后调用：状态置为 redundant，并等待进行中的写入完成。
// 返回后该管理器不会再写入任何分区，但仍可读取缓存服务已在途的请求。
func (m *Manager) Retire() {
	m.writeMu.Lock()
	m.setState(StateRedundant)
	m.writeMu.Unlock()
}

// fields 返回带站点信息的基础日志字段。
func (m *Manager) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"site":          m.cfg.Site,
		"cache_version": m.cfg.Version,
		"strategy":      m.cfg.Strategy.Key,
	}
}

func (m *Manager) report(ctx context.Context, action string, err error) {
	tags := map[string]string{
		"action":        action,
		"site":          m.cfg.Site,
		"cache_version": m.cfg.Version,
	}
	m.deps.Reporter.Report(ctx, err, tags)
	m.deps.Logger.WithFields(telemetry.LogFields(tags)).WithError(err).Error("生命周期事件失败")
}

// absolute 把站点内路径解析为公开 URL。
func (m *Manager) absolute(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	return m.cfg.Origin.ResolveReference(ref)
}
