package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/deep-blue/dcms-edge/internal/cache"
)

// Install 以绕过 HTTP 缓存的方式拉取预缓存清单并写入静态分区。
// 任一资源失败即判定安装失败：状态置为 redundant，错误写日志并上报；已写入的资源保留。
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)

	if err := m.precache(ctx); err != nil {
		m.setState(StateRedundant)
		err = fmt.Errorf("install %s: %w", m.cfg.Version, err)
		m.report(ctx, "install", err)
		return err
	}

	m.setState(StateInstalled)
	m.deps.Logger.WithFields(m.fields("install")).
		WithField("assets", len(m.cfg.Precache)).
		Info("预缓存完成")
	return nil
}

func (m *Manager) precache(ctx context.Context) error {
	part, err := m.deps.Storage.Open(ctx, m.parts.Static)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.parts.Static, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range m.cfg.Precache {
		g.Go(func() error {
			return m.precacheOne(gctx, part, asset)
		})
	}
	return g.Wait()
}

func (m *Manager) precacheOne(ctx context.Context, part cache.Partition, asset string) error {
	target := m.absolute(asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("precache %s: %w", asset, err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("precache %s: %w", asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("precache %s: unexpected status %d", asset, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("precache %s: read body: %w", asset, err)
	}
	if err := part.Put(ctx, cache.NewKey(http.MethodGet, target), cache.NewSnapshot(resp.StatusCode, resp.Header, body)); err != nil {
		return fmt.Errorf("precache %s: store: %w", asset, err)
	}
	return nil
}

// Activate 删除所有带应用前缀但不属于当前版本的分区，随后接管页面。
func (m *Manager) Activate(ctx context.Context) error {
	if m.State() != StateInstalled {
		return fmt.Errorf("%w: state %s", ErrNotInstalled, m.State())
	}
	m.setState(StateActivating)

	deleted, err := m.prune(ctx)
	if err != nil {
		m.setState(StateInstalled)
		err = fmt.Errorf("activate %s: %w", m.cfg.Version, err)
		m.report(ctx, "activate", err)
		return err
	}

	m.setState(StateActivated)
	if m.deps.Clients != nil {
		if err := m.deps.Clients.Claim(ctx, m); err != nil {
			err = fmt.Errorf("claim %s: %w", m.cfg.Version, err)
			m.report(ctx, "activate", err)
			return err
		}
		// 旧管理器在 Claim 中退役；退役前在途的写入可能重建了旧分区，这里再清理一次。
		swept, err := m.prune(ctx)
		if err != nil {
			m.deps.Logger.WithFields(m.fields("activate")).WithError(err).Warn("接管后清理旧分区失败")
		}
		deleted = append(deleted, swept...)
	}

	m.deps.Logger.WithFields(m.fields("activate")).
		WithField("deleted_partitions", deleted).
		Info("缓存版本已激活")
	return nil
}

// prune 并发删除过期分区，等待全部完成后返回被删除的分区名。
func (m *Manager) prune(ctx context.Context) ([]cache.PartitionName, error) {
	names, err := m.deps.Storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var (
		mu      sync.Mutex
		deleted []cache.PartitionName
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if !m.parts.Stale(name, m.cfg.Prefixes) {
			continue
		}
		g.Go(func() error {
			ok, err := m.deps.Storage.Delete(gctx, name)
			if err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			if ok {
				mu.Lock()
				deleted = append(deleted, name)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	return deleted, nil
}
