// Package cachefirst 注册默认的缓存优先策略：命中直接返回，未命中才访问网络。
package cachefirst

import (
	"context"
	"errors"
	"net/http"

	"github.com/deep-blue/dcms-edge/internal/cache"
	"github.com/deep-blue/dcms-edge/internal/strategy"
)

// Key 是缓存优先策略在配置中的名称。
const Key = "cache-first"

func init() {
	strategy.MustRegister(strategy.Metadata{
		Key:         Key,
		Description: "Serve from any current partition, fall back to the network and fill the dynamic partition",
		Rules: []string{
			"cache hit: no network call",
			"miss: network, store 200 same-origin basic responses",
		},
		Handler: Handle,
	})
}

// Handle 先查缓存，未命中时访问网络；存储本身出错时不访问网络。
func Handle(ctx context.Context, req *http.Request, env strategy.Env) (*http.Response, strategy.Source, error) {
	resp, err := env.Lookup(ctx, req)
	if err == nil {
		return resp, strategy.SourceCache, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, strategy.SourceCache, err
	}
	resp, err = env.Network(ctx, req)
	if err != nil {
		return nil, strategy.SourceNetwork, err
	}
	return resp, strategy.SourceNetwork, nil
}
