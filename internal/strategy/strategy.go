package strategy

import (
	"context"
	"net/http"
	"path"
	"strings"
)

// Source 标记响应来自哪里，写入日志字段 source。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Env 是策略可以调用的缓存与网络能力，由生命周期管理器实现。
type Env interface {
	// Lookup 在当前站点的所有分区中查找请求，未命中返回 cache.ErrNotFound。
	Lookup(ctx context.Context, req *http.Request) (*http.Response, error)

	// Network 请求上游，并在响应满足条件时写入动态分区，返回可直接交给调用方的响应。
	Network(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Handler 对一个已确定需要拦截的 GET 请求给出响应。
// 返回的错误只应来自网络层；离线兜底由调用方统一处理。
type Handler func(ctx context.Context, req *http.Request, env Env) (*http.Response, Source, error)

// Metadata 描述一个可按站点选择的读写策略。
type Metadata struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Rules       []string `json:"rules,omitempty"`
	Handler     Handler  `json:"-"`
}

// IsNavigation 判断请求是否为页面导航：优先看 Sec-Fetch-Mode，缺失时看 Accept 是否偏好 HTML。
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return prefersHTML(req.Header.Get("Accept"))
}

// IsDocument 判断请求是否指向 HTML 文档：导航请求、根路径或 .html 结尾。
func IsDocument(req *http.Request) bool {
	if IsNavigation(req) {
		return true
	}
	p := req.URL.Path
	return p == "" || p == "/" || strings.HasSuffix(p, ".html")
}

// IsBundle 判断请求是否为脚本或样式文件。
func IsBundle(req *http.Request) bool {
	switch strings.ToLower(path.Ext(req.URL.Path)) {
	case ".js", ".css":
		return true
	}
	return false
}

func prefersHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch strings.ToLower(mediaType) {
		case "text/html", "application/xhtml+xml":
			return true
		}
	}
	return false
}
