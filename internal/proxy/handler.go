package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/deep-blue/dcms-edge/internal/host"
	"github.com/deep-blue/dcms-edge/internal/lifecycle"
	"github.com/deep-blue/dcms-edge/internal/logging"
	"github.com/deep-blue/dcms-edge/internal/server"
)

// 响应头中的来源标记。
const (
	SourcePassthrough = "passthrough"
	SourceOffline     = "offline"
)

// Runtime 是 Handler 依赖的站点运行时能力，由 host.Runtime 实现。
type Runtime interface {
	Fetch(ctx context.Context, site string, req *http.Request) (*lifecycle.FetchResult, error)
	Forward(ctx context.Context, site string, req *http.Request) (*http.Response, error)
	// ActiveVersion 返回站点当前接管请求的缓存版本，尚未激活时为空。
	ActiveVersion(site string) string
}

// Handler 把 Fiber 请求转换为站点的 fetch 事件：命中缓存直接返回，
// 未被拦截的请求（非 GET、API、尚无激活版本）原样转发上游。
type Handler struct {
	rt     Runtime
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler backed by the site runtime.
func NewHandler(rt Runtime, logger *logrus.Logger) *Handler {
	return &Handler{rt: rt, logger: logger}
}

// Handle 执行 fetch 事件并以流式方式写回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rec := &result{route: route, requestID: requestID, started: started}
	req, err := buildPublicRequest(ctx, c, route)
	if err != nil {
		h.logResult(rec, 0, err)
		return h.writeError(c, fiber.StatusBadRequest, "bad_request")
	}

	var resp *http.Response
	fetched, err := h.rt.Fetch(ctx, route.Config.Name, req)
	switch {
	case err == nil:
		resp = fetched.Response
		rec.version = fetched.Version
		rec.source = string(fetched.Source)
		if fetched.Offline {
			rec.source = SourceOffline
		}
	case errors.Is(err, lifecycle.ErrPassthrough), errors.Is(err, host.ErrNotActive):
		rec.source = SourcePassthrough
		rec.version = h.rt.ActiveVersion(route.Config.Name)
		resp, err = h.rt.Forward(server.WithoutRedirects(ctx), route.Config.Name, req)
		if err != nil {
			h.logResult(rec, 0, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	case errors.Is(err, lifecycle.ErrNetwork):
		rec.source = SourceOffline
		rec.version = h.rt.ActiveVersion(route.Config.Name)
		h.logResult(rec, fiber.StatusGatewayTimeout, err)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline")
	case errors.Is(err, lifecycle.ErrStore):
		rec.version = h.rt.ActiveVersion(route.Config.Name)
		h.logResult(rec, fiber.StatusInternalServerError, err)
		return h.writeError(c, fiber.StatusInternalServerError, "cache_failed")
	default:
		h.logResult(rec, 0, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	return h.stream(c, rec, resp)
}

// result 汇总一次请求的日志字段。version 取自实际处理请求的管理器，而不是配置值。
type result struct {
	route     *server.SiteRoute
	requestID string
	source    string
	version   string
	started   time.Time
}

func (h *Handler) stream(c fiber.Ctx, rec *result, resp *http.Response) error {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-DCMS-Edge-Source", rec.source)
	if rec.version != "" {
		c.Set("X-DCMS-Edge-Cache-Version", rec.version)
	}
	if rec.requestID != "" {
		c.Set("X-Request-ID", rec.requestID)
	}
	c.Status(resp.StatusCode)
	h.logResult(rec, resp.StatusCode, nil)

	if c.Method() == http.MethodHead || resp.Body == nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil
	}
	size := -1
	if resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	return c.SendStream(resp.Body, size)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(rec *result, status int, err error) {
	route := rec.route
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Strategy.Key,
		rec.version,
		rec.source,
		rec.source == "cache" || rec.source == SourceOffline,
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(rec.started).Milliseconds()
	if route.CacheVersion != rec.version {
		fields["configured_version"] = route.CacheVersion
	}
	if rec.requestID != "" {
		fields["request_id"] = rec.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildPublicRequest 以站点公开 Origin 为基准还原浏览器看到的请求。
func buildPublicRequest(ctx context.Context, c fiber.Ctx, route *server.SiteRoute) (*http.Request, error) {
	uri := c.Request().URI()
	target := &url.URL{
		Scheme:   route.OriginURL.Scheme,
		Host:     route.OriginURL.Host,
		Path:     requestPath(c),
		RawQuery: string(uri.QueryString()),
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = route.OriginURL.Host
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Port", strconv.Itoa(route.ListenPort))
	return req, nil
}

func requestPath(c fiber.Ctx) string {
	return cleanPath(string(c.Request().URI().Path()))
}

func cleanPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if raw[len(raw)-1] == '/' && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
