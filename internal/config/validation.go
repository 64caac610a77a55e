package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/deep-blue/dcms-edge/internal/strategy"
)

// 支持的分区存储后端。
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const supportedBackendList = "fs|memory|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.AdminPort < 0 || g.AdminPort > 65535 {
		return newFieldError("Global.AdminPort", "必须在 0-65535")
	}
	if g.AdminPort != 0 && g.AdminPort == g.ListenPort {
		return newFieldError("Global.AdminPort", "不能与 ListenPort 相同")
	}
	switch g.StorageBackend {
	case BackendFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "fs 后端不能为空")
		}
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 后端不能为空")
		}
	default:
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if len(g.CachePrefixes) == 0 {
		return newFieldError("Global.CachePrefixes", "至少需要一个前缀")
	}
	for _, prefix := range g.CachePrefixes {
		if strings.TrimSpace(prefix) == "" {
			return newFieldError("Global.CachePrefixes", "前缀不能为空字符串")
		}
	}
	if g.MaxEntrySize <= 0 {
		return newFieldError("Global.MaxEntrySize", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.MaxBackoff.DurationValue() < g.InitialBackoff.DurationValue() {
		return newFieldError("Global.MaxBackoff", "不能小于 InitialBackoff")
	}
	// UpstreamTimeout 为 0 表示不限制，保持与浏览器 fetch 一致。
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.ProbeInterval.DurationValue() <= 0 {
		return newFieldError("Global.ProbeInterval", "必须大于 0")
	}
	for _, raw := range g.NotifyURLs {
		if !strings.Contains(raw, "://") {
			return newFieldError("Global.NotifyURLs", fmt.Sprintf("无效的通知地址: %s", raw))
		}
	}
	if g.PushBroker != "" {
		if _, err := url.Parse(g.PushBroker); err != nil {
			return newFieldError("Global.PushBroker", err.Error())
		}
		if strings.TrimSpace(g.PushTopic) == "" {
			return newFieldError("Global.PushTopic", "配置 PushBroker 时不能为空")
		}
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}

		if _, ok := strategy.Resolve(site.Strategy); !ok {
			return newFieldError(siteField(site.Name, "Strategy"), fmt.Sprintf("未注册策略: %s", site.Strategy))
		}

		if err := ValidateVersion(c.EffectiveCacheVersion(*site), g.CachePrefixes); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "CacheVersion"), err)
		}
		if !strings.HasPrefix(site.APIPrefix, "/") {
			return newFieldError(siteField(site.Name, "APIPrefix"), "必须以 / 开头")
		}
		for _, asset := range site.Precache {
			if !strings.HasPrefix(asset, "/") {
				return newFieldError(siteField(site.Name, "Precache"), fmt.Sprintf("资源路径必须以 / 开头: %s", asset))
			}
		}
		if !strings.HasPrefix(site.OfflineShell, "/") {
			return newFieldError(siteField(site.Name, "OfflineShell"), "必须以 / 开头")
		}
		if !strings.HasPrefix(site.NotificationRoute, "/") {
			return newFieldError(siteField(site.Name, "NotificationRoute"), "必须以 / 开头")
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("Origin 不允许包含路径: %s", raw)
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// ValidateVersion 保证版本号可以安全地拼进分区名，并且带有应用前缀；
// 不带前缀的分区不会被后续激活清理，旧内容会一直被 Match 命中。
func ValidateVersion(v string, prefixes []string) error {
	if v == "" {
		return errors.New("缓存版本不能为空")
	}
	if strings.ContainsAny(v, " /\\:") {
		return fmt.Errorf("缓存版本不能包含空格、斜杠或冒号: %s", v)
	}
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(v, prefix) && len(v) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("缓存版本必须以 %s 之一开头: %s", strings.Join(prefixes, "|"), v)
}
