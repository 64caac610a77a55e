package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点/域名/策略/缓存版本字段，供生命周期与诊断日志复用。
func SiteFields(site, domain, strategy, cacheVersion string) logrus.Fields {
	return logrus.Fields{
		"site":          site,
		"domain":        domain,
		"strategy":      strategy,
		"cache_version": cacheVersion,
	}
}

// RequestFields 在 SiteFields 基础上追加响应来源与命中状态，供代理请求日志复用。
func RequestFields(site, domain, strategy, cacheVersion, source string, cacheHit bool) logrus.Fields {
	fields := SiteFields(site, domain, strategy, cacheVersion)
	fields["source"] = source
	fields["cache_hit"] = cacheHit
	return fields
}
