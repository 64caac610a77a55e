package lifecycle

import (
	"context"
	"errors"
	"net/http"
)

// HTTPFetcher 直接使用 http.Client 访问请求中的地址。
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch 发送请求；Client 为空时使用 http.DefaultClient。
func (f HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req.WithContext(ctx))
}
