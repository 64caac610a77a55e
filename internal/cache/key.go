package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Key 是规范化后的请求键：方法 + 绝对 URL。
// 规范化规则：方法大写；scheme/host 小写并去掉默认端口；空路径补 "/"；
// 查询串原样保留；片段丢弃。
type Key struct {
	Method string
	URL    string
}

// NewKey 基于方法与 URL 构建规范化的 Key。
func NewKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: method}
	}

	normalized := *u
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = stripDefaultPort(normalized.Scheme, strings.ToLower(normalized.Host))
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.User = nil
	if normalized.Path == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	}
	return Key{Method: method, URL: normalized.String()}
}

// KeyForRequest 从 *http.Request 构建 Key。
func KeyForRequest(req *http.Request) Key {
	if req == nil {
		return Key{}
	}
	return NewKey(req.Method, req.URL)
}

// ParseKey 解析 Key.String() 的输出。
func ParseKey(raw string) (Key, error) {
	method, rawURL, ok := strings.Cut(strings.TrimSpace(raw), " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("invalid cache key: %q", raw)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("invalid cache key url: %w", err)
	}
	return NewKey(method, u), nil
}

// String 输出 "GET https://host/path?query" 形式，作为各后端的存储键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Digest 返回 Key 的 sha1 十六进制摘要，用作文件名等定长标识。
func (k Key) Digest() string {
	sum := sha1.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

func stripDefaultPort(scheme, host string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
