package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(fixturePath("missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
InitialBackoff = "boom"

[[Site]]
Name = "deep-blue"
Domain = "book.deepblue.local"
Upstream = "http://127.0.0.1:3000"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsLegacyHubTables(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Hub]]
Name = "docker"
Domain = "docker.local"
Upstream = "https://registry-1.docker.io"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("[[Hub]] 配置应被拒绝")
	}
	if _, ok := err.(FieldError); !ok {
		t.Fatalf("期望 FieldError，得到 %T", err)
	}
}

func TestLoadAppliesEnvironmentVersion(t *testing.T) {
	t.Setenv("DCMS_EDGE_CACHEVERSION", "dcms-v9-env")
	cfg := `
StoragePath = "./data"

[[Site]]
Name = "deep-blue"
Domain = "book.deepblue.local"
Upstream = "http://127.0.0.1:3000"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.EffectiveCacheVersion(loaded.Sites[0]); got != "dcms-v9-env" {
		t.Fatalf("环境变量应覆盖缓存版本，得到 %s", got)
	}
}

func TestLoadParsesSecondsAsDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
ProbeInterval = 15

[[Site]]
Name = "deep-blue"
Domain = "book.deepblue.local"
Upstream = "http://127.0.0.1:3000"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.ProbeInterval.DurationValue().Seconds(); got != 15 {
		t.Fatalf("纯数字应按秒解析，得到 %v", got)
	}
}
