package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/deep-blue/dcms-edge/internal/config"
	"github.com/deep-blue/dcms-edge/internal/host"
	"github.com/deep-blue/dcms-edge/internal/lifecycle"
)

// UpstreamFetcher 把站点公开 Origin 上的请求改写到上游地址，
// 并在返回前把响应链上的 Request.URL 还原为公开地址，使同源判断仍以站点 Origin 为准。
type UpstreamFetcher struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
}

type noRedirectKey struct{}

// WithoutRedirects 标记请求不跟随上游重定向，3xx 连同改写后的 Location 原样返回。
func WithoutRedirects(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRedirectKey{}, true)
}

func redirectsDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRedirectKey{}).(bool)
	return v
}

// NewUpstreamFetcher 为站点路由创建 Fetcher。
func NewUpstreamFetcher(client *http.Client, route *SiteRoute) *UpstreamFetcher {
	if client == nil {
		client = NewUpstreamClient(nil, route.ProxyURL)
	}
	return &UpstreamFetcher{client: client, origin: route.OriginURL, upstream: route.UpstreamURL}
}

// NewFetcherFactory 返回运行时使用的 FetcherFactory，每个站点拥有独立的 http.Client。
func NewFetcherFactory(cfg *config.Config) host.FetcherFactory {
	return func(site config.SiteConfig) (lifecycle.Fetcher, error) {
		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return nil, err
		}
		return NewUpstreamFetcher(NewUpstreamClient(cfg, route.ProxyURL), route), nil
	}
}

// Fetch 发送请求。非本站点 Origin 的地址原样访问。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request required")
	}

	target := req.URL
	rewritten := sameHost(req.URL, f.origin)
	if rewritten {
		target = f.toUpstream(req.URL)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Accept-Encoding")
	if rewritten {
		out.Host = f.upstream.Host
		out.Header.Set("X-Forwarded-Host", f.origin.Host)
		out.Header.Set("X-Forwarded-Proto", f.origin.Scheme)
	}

	client := f.client
	if redirectsDisabled(ctx) {
		manual := *f.client
		manual.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &manual
	}

	resp, err := client.Do(out)
	if err != nil {
		return nil, err
	}
	if resp.Request == nil {
		resp.Request = out
	}
	f.restorePublicURLs(resp)
	if loc := resp.Header.Get("Location"); loc != "" {
		if parsed, err := url.Parse(loc); err == nil && parsed.IsAbs() {
			resp.Header.Set("Location", f.toPublic(parsed).String())
		}
	}
	return resp, nil
}

func (f *UpstreamFetcher) toUpstream(u *url.URL) *url.URL {
	return &url.URL{
		Scheme:   f.upstream.Scheme,
		User:     f.upstream.User,
		Host:     f.upstream.Host,
		Path:     strings.TrimSuffix(f.upstream.Path, "/") + u.Path,
		RawQuery: u.RawQuery,
	}
}

func (f *UpstreamFetcher) toPublic(u *url.URL) *url.URL {
	if u == nil || !sameHost(u, f.upstream) {
		return u
	}
	prefix := strings.TrimSuffix(f.upstream.Path, "/")
	if prefix != "" && !strings.HasPrefix(u.Path, prefix) {
		return u
	}
	public := *u
	public.Scheme = f.origin.Scheme
	public.Host = f.origin.Host
	public.Path = strings.TrimPrefix(u.Path, prefix)
	if public.Path == "" {
		public.Path = "/"
	}
	public.RawPath = ""
	return &public
}

// restorePublicURLs 沿重定向链逐跳替换 Request，原请求对象不被修改。
func (f *UpstreamFetcher) restorePublicURLs(resp *http.Response) {
	for r := resp; r != nil && r.Request != nil; r = r.Request.Response {
		clone := *r.Request
		clone.URL = f.toPublic(r.Request.URL)
		r.Request = &clone
	}
}

func sameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && hostWithPort(a) == hostWithPort(b)
}

func hostWithPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "":
		return host
	case port == "80" && strings.EqualFold(u.Scheme, "http"), port == "443" && strings.EqualFold(u.Scheme, "https"):
		return host
	}
	return host + ":" + port
}
