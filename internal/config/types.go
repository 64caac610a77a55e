package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort int `mapstructure:"ListenPort"`
	// AdminPort 是只绑定 127.0.0.1 的管理监听端口，0 表示不启动管理监听。
	AdminPort int `mapstructure:"AdminPort"`

	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath    string `mapstructure:"StoragePath"`
	StorageBackend string `mapstructure:"StorageBackend"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`

	// CacheVersion 是所有站点默认的缓存代际，站点可单独覆盖。
	CacheVersion string `mapstructure:"CacheVersion"`
	// CachePrefixes 标记哪些分区名属于本应用，激活阶段只清理这些前缀下的旧分区。
	CachePrefixes []string `mapstructure:"CachePrefixes"`
	MaxEntrySize  int64    `mapstructure:"MaxEntrySize"`

	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	MaxBackoff      Duration `mapstructure:"MaxBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ProbeInterval   Duration `mapstructure:"ProbeInterval"`

	SentryDSN   string `mapstructure:"SentryDSN"`
	Environment string `mapstructure:"Environment"`

	NotifyURLs   []string `mapstructure:"NotifyURLs"`
	PushBroker   string   `mapstructure:"PushBroker"`
	PushTopic    string   `mapstructure:"PushTopic"`
	PushClientID string   `mapstructure:"PushClientID"`
}

// SiteConfig 描述一个租户对外的预订网站，以及边缘节点如何缓存它。
type SiteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Origin   string `mapstructure:"Origin"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	Strategy string `mapstructure:"Strategy"`

	CacheVersion string   `mapstructure:"CacheVersion"`
	APIPrefix    string   `mapstructure:"APIPrefix"`
	Precache     []string `mapstructure:"Precache"`
	OfflineShell string   `mapstructure:"OfflineShell"`
	SyncTag      string   `mapstructure:"SyncTag"`

	NotificationTitle string `mapstructure:"NotificationTitle"`
	NotificationRoute string `mapstructure:"NotificationRoute"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// EffectiveCacheVersion 返回站点实际使用的缓存代际：站点覆盖优先，其次全局值。
func (c *Config) EffectiveCacheVersion(site SiteConfig) string {
	if v := strings.TrimSpace(site.CacheVersion); v != "" {
		return v
	}
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Global.CacheVersion)
}

// OriginURL 解析站点的公开 Origin；Validate 通过后不会失败。
func (s SiteConfig) OriginURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(s.Origin, "/"))
	if err != nil {
		return nil, err
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// StrategyModes 返回所有站点的缓存策略摘要，例如 main:cache-first。
func StrategyModes(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Strategy)
	}
	return result
}
