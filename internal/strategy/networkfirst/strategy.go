// Package networkfirst 注册网络优先策略：HTML 与 JS/CSS 先走网络以便发布立即生效，
// 网络失败时回退缓存；其余静态资源仍然缓存优先。
package networkfirst

import (
	"context"
	"net/http"

	"github.com/deep-blue/dcms-edge/internal/strategy"
	"github.com/deep-blue/dcms-edge/internal/strategy/cachefirst"
)

// Key 是网络优先策略在配置中的名称。
const Key = "network-first"

func init() {
	strategy.MustRegister(strategy.Metadata{
		Key:         Key,
		Description: "Network first for documents and script/style bundles, cache first for other assets",
		Rules: []string{
			"document or .js/.css: network, cached copy when offline",
			"other assets: cache-first",
		},
		Handler: Handle,
	})
}

// Handle 按资源类型选择网络优先或缓存优先。
func Handle(ctx context.Context, req *http.Request, env strategy.Env) (*http.Response, strategy.Source, error) {
	if !strategy.IsDocument(req) && !strategy.IsBundle(req) {
		return cachefirst.Handle(ctx, req, env)
	}

	resp, netErr := env.Network(ctx, req)
	if netErr == nil {
		return resp, strategy.SourceNetwork, nil
	}
	if cached, err := env.Lookup(ctx, req); err == nil {
		return cached, strategy.SourceCache, nil
	}
	return nil, strategy.SourceNetwork, netErr
}
