package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/deep-blue/dcms-edge/internal/cache"
	"github.com/deep-blue/dcms-edge/internal/strategy"
)

// DefaultMaxEntrySize 是单条缓存正文的默认上限，超过时只转发不写入。
const DefaultMaxEntrySize int64 = 32 << 20

// 旁路原因，写入日志字段 passthrough。
const (
	PassthroughCrossOrigin = "cross-origin"
	PassthroughMethod      = "method"
	PassthroughAPI         = "api"
)

// FetchResult 是被拦截请求的响应。
type FetchResult struct {
	Response *http.Response
	Source   strategy.Source
	// Offline 表示网络不可用，返回的是离线页面外壳。
	Offline bool
	// Version 是处理该请求的管理器版本。
	Version string
}

// PassthroughReason 返回请求不被拦截的原因；返回空串表示需要拦截。
// req.URL 必须是用户看到的绝对地址。
func (m *Manager) PassthroughReason(req *http.Request) string {
	if req == nil || req.URL == nil || !m.sameOrigin(req.URL) {
		return PassthroughCrossOrigin
	}
	if req.Method != http.MethodGet {
		return PassthroughMethod
	}
	if strings.HasPrefix(req.URL.Path, m.cfg.APIPrefix) {
		return PassthroughAPI
	}
	return ""
}

// HandleFetch 处理一次请求。
//
//	跨域、非 GET、API 路径：返回 ErrPassthrough，不读写任何缓存；
//	其余请求交给站点策略；网络失败时导航请求回退到离线外壳，其它请求返回 ErrNetwork。
func (m *Manager) HandleFetch(ctx context.Context, req *http.Request) (*FetchResult, error) {
	if m.PassthroughReason(req) != "" {
		return nil, ErrPassthrough
	}

	resp, source, err := m.cfg.Strategy.Handler(ctx, req, fetchEnv{m: m})
	if err == nil {
		return &FetchResult{Response: resp, Source: source, Version: m.cfg.Version}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, ErrStore) {
		m.report(ctx, "cache_match", err)
		return nil, err
	}

	if strategy.IsNavigation(req) {
		if shell, shellErr := m.offlineShell(ctx, req); shellErr == nil {
			m.deps.Logger.WithFields(m.fields("offline_shell")).
				WithField("path", req.URL.Path).
				WithError(err).
				Warn("网络不可用，返回离线页面")
			return &FetchResult{Response: shell, Source: strategy.SourceCache, Offline: true, Version: m.cfg.Version}, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
}

// Lookup 在站点的全部分区中查找请求。未命中返回 cache.ErrNotFound，其它存储错误包装为 ErrStore。
func (m *Manager) Lookup(ctx context.Context, req *http.Request) (*http.Response, error) {
	snap, _, err := m.deps.Storage.Match(ctx, cache.KeyForRequest(req))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return snap.Response(req), nil
}

func (m *Manager) offlineShell(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := cache.NewKey(http.MethodGet, m.absolute(m.cfg.OfflineShell))
	snap, _, err := m.deps.Storage.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	return snap.Response(req), nil
}

// network 请求上游并在满足条件时写入动态分区。
func (m *Manager) network(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := m.deps.Fetcher.Fetch(ctx, req.Clone(ctx))
	if err != nil {
		if m.deps.Connectivity != nil && ctx.Err() == nil {
			m.deps.Connectivity.NetworkFailed(m.cfg.Site, err)
		}
		return nil, err
	}
	if m.deps.Connectivity != nil {
		m.deps.Connectivity.NetworkOK(m.cfg.Site)
	}
	return m.fill(ctx, req, resp)
}

// fill 把 200、同源、非 opaque 的响应复制一份写入动态分区；正文超过上限时原样流式返回。
func (m *Manager) fill(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode != http.StatusOK || !m.isBasic(resp) {
		return resp, nil
	}

	limit := m.cfg.MaxEntrySize
	if limit <= 0 {
		limit = DefaultMaxEntrySize
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if int64(len(buf)) > limit {
		resp.Body = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(buf), resp.Body), closer: resp.Body}
		m.deps.Logger.WithFields(m.fields("cache_skip")).
			WithField("path", req.URL.Path).
			Debug("响应超过缓存上限，跳过写入")
		return resp, nil
	}
	resp.Body.Close()

	// 写入失败只上报，响应照常返回。
	if err := m.store(ctx, req, cache.NewSnapshot(resp.StatusCode, resp.Header, buf)); err != nil {
		m.report(ctx, "cache_store", fmt.Errorf("store %s: %w", req.URL.Path, err))
	}

	resp.Body = io.NopCloser(bytes.NewReader(buf))
	resp.ContentLength = int64(len(buf))
	return resp, nil
}

// store 写入动态分区。已被取代的管理器直接跳过，Open 会重建已被新版本清理的分区。
func (m *Manager) store(ctx context.Context, req *http.Request, snap *cache.Snapshot) error {
	m.writeMu.RLock()
	defer m.writeMu.RUnlock()
	if m.State() == StateRedundant {
		m.deps.Logger.WithFields(m.fields("cache_skip")).
			WithField("path", req.URL.Path).
			Debug("版本已被取代，跳过写入")
		return nil
	}
	storeCtx := context.WithoutCancel(ctx)
	part, err := m.deps.Storage.Open(storeCtx, m.parts.Dynamic)
	if err != nil {
		return err
	}
	return part.Put(storeCtx, cache.KeyForRequest(req), snap)
}

// isBasic 判断响应是否为同源的 basic 响应：重定向链上任何一跳离开站点 Origin 都视为 opaque。
func (m *Manager) isBasic(resp *http.Response) bool {
	for r := resp.Request; r != nil; {
		if !m.sameOrigin(r.URL) {
			return false
		}
		if r.Response == nil {
			break
		}
		r = r.Response.Request
	}
	return true
}

func (m *Manager) sameOrigin(u *url.URL) bool {
	if u == nil || !u.IsAbs() {
		return false
	}
	return originString(u) == originString(m.cfg.Origin)
}

func originString(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			host = h
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}
	return scheme + "://" + host
}

type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error {
	return b.closer.Close()
}

// fetchEnv 把管理器适配为 strategy.Env。
type fetchEnv struct {
	m *Manager
}

func (e fetchEnv) Lookup(ctx context.Context, req *http.Request) (*http.Response, error) {
	return e.m.Lookup(ctx, req)
}

func (e fetchEnv) Network(ctx context.Context, req *http.Request) (*http.Response, error) {
	return e.m.network(ctx, req)
}
