package cache

import (
	"context"
	"errors"
	"strings"
)

// PartitionName 是分区的完整名称，例如 dcms-v3-static。
type PartitionName string

// String 便于日志输出。
func (n PartitionName) String() string {
	return string(n)
}

// HasAnyPrefix 判断分区名是否以任一应用前缀开头，用于识别“本应用”的分区。
func (n PartitionName) HasAnyPrefix(prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(string(n), prefix) {
			return true
		}
	}
	return false
}

// Storage 管理一个站点命名空间下的全部分区，语义对齐浏览器 CacheStorage：
//
//	Open   创建或打开分区
//	Keys   列出已有分区名（按名称排序）
//	Delete 整体删除分区
//	Match  跨所有分区查找请求键
type Storage interface {
	// Open 返回指定分区，不存在时创建。
	Open(ctx context.Context, name PartitionName) (Partition, error)

	// Keys 返回当前命名空间下所有分区名，按名称升序。
	Keys(ctx context.Context) ([]PartitionName, error)

	// Delete 删除整个分区，返回删除前是否存在。
	Delete(ctx context.Context, name PartitionName) (bool, error)

	// Match 依次在所有分区中查找 key，命中时返回快照及所在分区；否则返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, PartitionName, error)

	// Close 释放后端持有的连接等资源。
	Close() error
}

// Partition 是单个命名分区的读写视图。
type Partition interface {
	Name() PartitionName

	// Match 返回 key 对应的快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 写入（或覆盖）key 对应的快照。实现需保证写入原子性：读者要么看到旧值，要么看到完整新值。
	Put(ctx context.Context, key Key, snapshot *Snapshot) error

	// Keys 返回分区内所有请求键。
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidPartition 表示分区名无法安全地映射到后端存储。
	ErrInvalidPartition = errors.New("invalid partition name")
)

func validatePartitionName(name PartitionName) error {
	raw := string(name)
	if raw == "" || raw == "." || raw == ".." {
		return ErrInvalidPartition
	}
	if strings.ContainsAny(raw, "/\\:\x00") {
		return ErrInvalidPartition
	}
	return nil
}
