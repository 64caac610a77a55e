package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-blue/dcms-edge/internal/config"
	"github.com/deep-blue/dcms-edge/internal/host"
	"github.com/deep-blue/dcms-edge/internal/lifecycle"
	"github.com/deep-blue/dcms-edge/internal/server"
	"github.com/deep-blue/dcms-edge/internal/strategy"
)

type fakeRuntime struct {
	mu        sync.Mutex
	active    string
	fetch     func(req *http.Request) (*lifecycle.FetchResult, error)
	forward   func(req *http.Request) (*http.Response, error)
	fetched   []*http.Request
	forwarded []string
}

func (f *fakeRuntime) Fetch(_ context.Context, site string, req *http.Request) (*lifecycle.FetchResult, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, req)
	f.mu.Unlock()
	if site != "deep-blue" {
		return nil, host.ErrUnknownSite
	}
	return f.fetch(req)
}

func (f *fakeRuntime) Forward(_ context.Context, _ string, req *http.Request) (*http.Response, error) {
	payload, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	f.forwarded = append(f.forwarded, req.Method+" "+req.URL.String()+" "+string(payload))
	f.mu.Unlock()
	if f.forward == nil {
		return nil, errors.New("no upstream")
	}
	return f.forward(req)
}

func (f *fakeRuntime) ActiveVersion(string) string {
	return f.active
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Header:        http.Header{"Content-Type": {"text/html; charset=utf-8"}, "Connection": {"keep-alive"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func newProxyApp(t *testing.T, rt Runtime) *testingApp {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, CacheVersion: "dcms-v1"},
		Sites: []config.SiteConfig{{
			Name:     "deep-blue",
			Domain:   "book.deepblue.local",
			Origin:   "https://book.deepblue.local",
			Upstream: "http://10.0.0.12:8080",
			Strategy: "cache-first",
		}},
	}
	registry, err := server.NewSiteRegistry(cfg)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(rt, logger), logger),
		ListenPort: 5000,
	})
	require.NoError(t, err)
	return &testingApp{t: t, app: app}
}

type testingApp struct {
	t   *testing.T
	app *fiber.App
}

func (a *testingApp) do(method, target string, body io.Reader, headers map[string]string) (*http.Response, string) {
	a.t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.Host = "book.deepblue.local"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.app.Test(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp, string(data)
}

func TestHandlerServesCachedResponse(t *testing.T) {
	rt := &fakeRuntime{fetch: func(*http.Request) (*lifecycle.FetchResult, error) {
		return &lifecycle.FetchResult{Response: textResponse(http.StatusOK, "cached courses"), Source: strategy.SourceCache, Version: "dcms-v1"}, nil
	}}
	app := newProxyApp(t, rt)

	resp, body := app.do(http.MethodGet, "http://book.deepblue.local/courses/../courses?level=2", nil, map[string]string{"Accept": "text/html"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cached courses", body)
	assert.Equal(t, "cache", resp.Header.Get("X-DCMS-Edge-Source"))
	assert.Equal(t, "dcms-v1", resp.Header.Get("X-DCMS-Edge-Cache-Version"))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.Len(t, rt.fetched, 1)
	seen := rt.fetched[0]
	assert.Equal(t, "https://book.deepblue.local/courses?level=2", seen.URL.String())
	assert.Equal(t, "text/html", seen.Header.Get("Accept"))
	assert.Equal(t, "5000", seen.Header.Get("X-Forwarded-Port"))
	assert.Empty(t, rt.forwarded)
}

func TestHandlerForwardsPassthroughRequests(t *testing.T) {
	rt := &fakeRuntime{
		fetch: func(*http.Request) (*lifecycle.FetchResult, error) { return nil, lifecycle.ErrPassthrough },
		forward: func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusCreated, `{"id":42}`), nil
		},
	}
	app := newProxyApp(t, rt)

	resp, body := app.do(http.MethodPost, "http://book.deepblue.local/api/bookings", strings.NewReader(`{"course":"open-water"}`), nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"id":42}`, body)
	assert.Equal(t, SourcePassthrough, resp.Header.Get("X-DCMS-Edge-Source"))
	assert.Equal(t, []string{`POST https://book.deepblue.local/api/bookings {"course":"open-water"}`}, rt.forwarded)
}

func TestHandlerForwardsWhenNoVersionActive(t *testing.T) {
	rt := &fakeRuntime{
		fetch: func(*http.Request) (*lifecycle.FetchResult, error) {
			return nil, fmt.Errorf("%w: deep-blue", host.ErrNotActive)
		},
		forward: func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, "live home"), nil
		},
	}
	app := newProxyApp(t, rt)

	resp, body := app.do(http.MethodGet, "http://book.deepblue.local/", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "live home", body)
	assert.Len(t, rt.forwarded, 1)
}

func TestHandlerReportsForwardFailure(t *testing.T) {
	rt := &fakeRuntime{fetch: func(*http.Request) (*lifecycle.FetchResult, error) { return nil, lifecycle.ErrPassthrough }}
	app := newProxyApp(t, rt)

	resp, body := app.do(http.MethodDelete, "http://book.deepblue.local/api/bookings/42", nil, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "upstream_failed")
}

func TestHandlerOfflineMissReturnsGatewayTimeout(t *testing.T) {
	rt := &fakeRuntime{fetch: func(*http.Request) (*lifecycle.FetchResult, error) {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", lifecycle.ErrNetwork)
	}}
	app := newProxyApp(t, rt)

	resp, body := app.do(http.MethodGet, "http://book.deepblue.local/static/js/app.js", nil, nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.JSONEq(t, `{"error":"offline"}`, body)
	assert.Empty(t, rt.forwarded)
}

func TestHandlerMarksOfflineShell(t *testing.T) {
	rt := &fakeRuntime{fetch: func(*http.Request) (*lifecycle.FetchResult, error) {
		return &lifecycle.FetchResult{Response: textResponse(http.StatusOK, "<html>shell</html>"), Source: strategy.SourceCache, Offline: true}, nil
	}}
	app := newProxyApp(t, rt)

	resp, body := app.do(http.MethodGet, "http://book.deepblue.local/my-account", nil, map[string]string{"Sec-Fetch-Mode": "navigate"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>shell</html>", body)
	assert.Equal(t, SourceOffline, resp.Header.Get("X-DCMS-Edge-Source"))
}

func TestHandlerHeadSkipsBody(t *testing.T) {
	rt := &fakeRuntime{fetch: func(*http.Request) (*lifecycle.FetchResult, error) {
		return &lifecycle.FetchResult{Response: textResponse(http.StatusOK, "home"), Source: strategy.SourceNetwork}, nil
	}}
	app := newProxyApp(t, rt)

	resp, body := app.do(http.MethodHead, "http://book.deepblue.local/", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "network", resp.Header.Get("X-DCMS-Edge-Source"))
}

func TestRequestPathKeepsTrailingSlash(t *testing.T) {
	assert.Equal(t, "/courses/", cleanPath("/courses/"))
	assert.Equal(t, "/", cleanPath(""))
	assert.Equal(t, "/b", cleanPath("/a/../b"))
}

func TestHandlerReportsActiveVersionAfterUpdate(t *testing.T) {
	rt := &fakeRuntime{
		active: "dcms-v2",
		fetch: func(req *http.Request) (*lifecycle.FetchResult, error) {
			if strings.HasPrefix(req.URL.Path, "/api/") {
				return nil, lifecycle.ErrPassthrough
			}
			return &lifecycle.FetchResult{Response: textResponse(http.StatusOK, "new shell"), Source: strategy.SourceCache, Version: "dcms-v2"}, nil
		},
		forward: func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, `[]`), nil
		},
	}
	app := newProxyApp(t, rt)

	resp, _ := app.do(http.MethodGet, "http://book.deepblue.local/index.html", nil, nil)
	assert.Equal(t, "dcms-v2", resp.Header.Get("X-DCMS-Edge-Cache-Version"), "configured dcms-v1 must not leak after an update")

	resp, _ = app.do(http.MethodGet, "http://book.deepblue.local/api/courses", nil, nil)
	assert.Equal(t, SourcePassthrough, resp.Header.Get("X-DCMS-Edge-Source"))
	assert.Equal(t, "dcms-v2", resp.Header.Get("X-DCMS-Edge-Cache-Version"))
}

func TestHandlerOmitsVersionWhenNothingActive(t *testing.T) {
	rt := &fakeRuntime{
		fetch: func(*http.Request) (*lifecycle.FetchResult, error) {
			return nil, fmt.Errorf("%w: deep-blue", host.ErrNotActive)
		},
		forward: func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, "live home"), nil
		},
	}
	app := newProxyApp(t, rt)

	resp, _ := app.do(http.MethodGet, "http://book.deepblue.local/", nil, nil)
	assert.Equal(t, SourcePassthrough, resp.Header.Get("X-DCMS-Edge-Source"))
	assert.Empty(t, resp.Header.Get("X-DCMS-Edge-Cache-Version"))
}

func TestHandlerStoreFailureIsServerError(t *testing.T) {
	rt := &fakeRuntime{fetch: func(*http.Request) (*lifecycle.FetchResult, error) {
		return nil, fmt.Errorf("%w: redis: i/o timeout", lifecycle.ErrStore)
	}}
	app := newProxyApp(t, rt)

	resp, body := app.do(http.MethodGet, "http://book.deepblue.local/courses", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"cache_failed"}`, body)
	assert.Empty(t, rt.forwarded)
}
