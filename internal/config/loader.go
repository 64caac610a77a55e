package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/deep-blue/dcms-edge/internal/lifecycle"
	"github.com/deep-blue/dcms-edge/internal/strategy"
	"github.com/deep-blue/dcms-edge/internal/version"
)

// EnvPrefix 是环境变量覆盖的统一前缀，例如 DCMS_EDGE_CACHEVERSION。
const EnvPrefix = "DCMS_EDGE"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectLegacyHubTables(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend == BackendFS {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("AdminPort", 5001)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", BackendFS)
	v.SetDefault("RedisAddr", "localhost:6379")
	v.SetDefault("RedisDB", 0)
	v.SetDefault("CacheVersion", version.CacheVersion)
	v.SetDefault("CachePrefixes", lifecycle.DefaultPrefixes)
	v.SetDefault("MaxEntrySize", 32*1024*1024)
	v.SetDefault("MaxRetries", 5)
	v.SetDefault("InitialBackoff", "2s")
	v.SetDefault("MaxBackoff", "5m")
	v.SetDefault("UpstreamTimeout", "0s")
	v.SetDefault("ProbeInterval", "30s")
	v.SetDefault("Environment", "production")
	v.SetDefault("PushTopic", "dcms/push/+")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = BackendFS
	}
	if strings.TrimSpace(g.CacheVersion) == "" {
		g.CacheVersion = version.CacheVersion
	}
	if len(g.CachePrefixes) == 0 {
		g.CachePrefixes = append([]string(nil), lifecycle.DefaultPrefixes...)
	}
	if g.MaxEntrySize == 0 {
		g.MaxEntrySize = 32 * 1024 * 1024
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(2 * time.Second)
	}
	if g.MaxBackoff.DurationValue() == 0 {
		g.MaxBackoff = Duration(5 * time.Minute)
	}
	if g.ProbeInterval.DurationValue() == 0 {
		g.ProbeInterval = Duration(30 * time.Second)
	}
	if g.PushClientID == "" {
		g.PushClientID = "dcms-edge"
	}
}

func applySiteDefaults(s *SiteConfig) {
	if strings.TrimSpace(s.Origin) == "" && s.Domain != "" {
		s.Origin = "https://" + strings.TrimSpace(s.Domain)
	}
	s.Origin = strings.TrimSuffix(strings.TrimSpace(s.Origin), "/")

	if trimmed := strings.TrimSpace(s.Strategy); trimmed == "" {
		s.Strategy = strategy.DefaultKey()
	} else {
		s.Strategy = strings.ToLower(trimmed)
	}
	if s.APIPrefix == "" {
		s.APIPrefix = lifecycle.DefaultAPIPrefix
	}
	if len(s.Precache) == 0 {
		s.Precache = append([]string(nil), lifecycle.DefaultPrecache...)
	}
	if s.OfflineShell == "" {
		s.OfflineShell = lifecycle.DefaultOfflineShell
	}
	if s.SyncTag == "" {
		s.SyncTag = lifecycle.SyncBookingsTag
	}
	if s.NotificationTitle == "" {
		s.NotificationTitle = lifecycle.DefaultNotificationTitle
	}
	if s.NotificationRoute == "" {
		s.NotificationRoute = lifecycle.DefaultNotificationRoute
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectLegacyHubTables 拒绝旧版 [[Hub]] 写法，避免配置被静默忽略。
func rejectLegacyHubTables(v *viper.Viper) error {
	if raw := v.Get("Hub"); raw != nil {
		return newFieldError("Hub", "字段已弃用，请改用 [[Site]]")
	}

	raw := v.Get("Site")
	sites, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	for idx, entry := range sites {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := m["Port"]; exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(siteField(name, "Port"), "字段不受支持，请使用全局 ListenPort")
		}
	}
	return nil
}
