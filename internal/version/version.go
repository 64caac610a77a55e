package version

import "fmt"

// Version/Commit/CacheVersion 可在构建时通过 -ldflags 注入，默认使用开发占位符。
// CacheVersion 决定站点缓存分区的代际，发布新的前端包时随之变更。
var (
	Version      = "0.1.0"
	Commit       = "dev"
	CacheVersion = "dcms-dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("dcms-edge %s (%s) cache=%s", Version, Commit, CacheVersion)
}
