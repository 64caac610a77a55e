package lifecycle

import (
	"fmt"
	"strings"

	"github.com/deep-blue/dcms-edge/internal/cache"
)

// Partitions 是某个缓存版本拥有的两个分区。
type Partitions struct {
	Static  cache.PartitionName `json:"static"`
	Dynamic cache.PartitionName `json:"dynamic"`
}

// PartitionsFor 根据版本号生成分区名：<version>-static / <version>-dynamic。
func PartitionsFor(version string) (Partitions, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return Partitions{}, fmt.Errorf("cache version required")
	}
	if strings.ContainsAny(version, " /\\:") {
		return Partitions{}, fmt.Errorf("cache version %q contains unsafe characters", version)
	}
	return Partitions{
		Static:  cache.PartitionName(version + "-static"),
		Dynamic: cache.PartitionName(version + "-dynamic"),
	}, nil
}

// Current 判断分区名是否属于当前版本。
func (p Partitions) Current(name cache.PartitionName) bool {
	return name == p.Static || name == p.Dynamic
}

// Stale 判断分区是否需要在激活阶段删除：带有应用前缀且不是当前版本。
func (p Partitions) Stale(name cache.PartitionName, prefixes []string) bool {
	return name.HasAnyPrefix(prefixes) && !p.Current(name)
}
