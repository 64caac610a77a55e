package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProbeFunc 检查站点上游是否可达。
type ProbeFunc func(ctx context.Context, site string) error

// RecoverFunc 在站点从离线恢复时调用。
type RecoverFunc func(site string)

// Monitor 跟踪每个站点的网络可达性。请求失败将站点标记为离线，
// 离线期间按固定间隔探测上游，恢复后回调 onRecover。
type Monitor struct {
	probe     ProbeFunc
	onRecover RecoverFunc
	interval  time.Duration
	logger    *logrus.Logger

	mu      sync.Mutex
	offline map[string]time.Time
}

// NewMonitor 创建监视器；interval <= 0 时 Run 不做主动探测。
func NewMonitor(probe ProbeFunc, onRecover RecoverFunc, interval time.Duration, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		probe:     probe,
		onRecover: onRecover,
		interval:  interval,
		logger:    logger,
		offline:   make(map[string]time.Time),
	}
}

// NetworkFailed 将站点标记为离线。
func (m *Monitor) NetworkFailed(site string, err error) {
	m.mu.Lock()
	_, already := m.offline[site]
	if !already {
		m.offline[site] = time.Now()
	}
	m.mu.Unlock()

	if !already {
		m.logger.WithFields(logrus.Fields{"action": "connectivity", "site": site}).
			WithError(err).Warn("上游不可达，站点进入离线模式")
	}
}

// NetworkOK 将站点标记为在线；从离线恢复时触发回调。
func (m *Monitor) NetworkOK(site string) {
	m.mu.Lock()
	since, wasOffline := m.offline[site]
	delete(m.offline, site)
	m.mu.Unlock()

	if !wasOffline {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"action":          "connectivity",
		"site":            site,
		"offline_seconds": time.Since(since).Seconds(),
	}).Info("上游恢复，站点回到在线模式")
	if m.onRecover != nil {
		m.onRecover(site)
	}
}

// Offline 报告站点当前是否离线。
func (m *Monitor) Offline(site string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.offline[site]
	return ok
}

// OfflineSites 返回所有离线站点，按名称排序。
func (m *Monitor) OfflineSites() []string {
	m.mu.Lock()
	sites := make([]string, 0, len(m.offline))
	for site := range m.offline {
		sites = append(sites, site)
	}
	m.mu.Unlock()
	sort.Strings(sites)
	return sites
}

// ProbeOnce 对所有离线站点探测一次。
func (m *Monitor) ProbeOnce(ctx context.Context) {
	if m.probe == nil {
		return
	}
	for _, site := range m.OfflineSites() {
		if ctx.Err() != nil {
			return
		}
		if err := m.probe(ctx, site); err != nil {
			m.logger.WithFields(logrus.Fields{"action": "probe", "site": site}).WithError(err).Debug("探测失败")
			continue
		}
		m.NetworkOK(site)
	}
}

// Run 周期性探测离线站点，直到 ctx 结束。
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}
