package server

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/deep-blue/dcms-edge/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg, nil)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestNewUpstreamClientZeroTimeoutIsUnlimited(t *testing.T) {
	client := NewUpstreamClient(&config.Config{}, nil)
	if client.Timeout != 0 {
		t.Fatalf("expected no timeout, got %s", client.Timeout)
	}
}

func TestNewUpstreamClientUsesSiteProxy(t *testing.T) {
	proxy, _ := url.Parse("http://proxy.internal:3128")
	client := NewUpstreamClient(nil, proxy)

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport type %T", client.Transport)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://book.deepblue.local/", nil)
	got, err := transport.Proxy(req)
	if err != nil {
		t.Fatalf("proxy func failed: %v", err)
	}
	if got == nil || got.Host != "proxy.internal:3128" {
		t.Fatalf("expected site proxy, got %v", got)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}
