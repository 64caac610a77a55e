package host

import (
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/deep-blue/dcms-edge/internal/cache"
	"github.com/deep-blue/dcms-edge/internal/config"
)

// StorageFactory 为站点打开独立的分区存储。
type StorageFactory func(site string) (cache.Storage, error)

// RedisNamespace 是 redis 后端的键前缀，站点名追加在其后。
const RedisNamespace = "dcms-edge"

// NewStorageFactory 根据全局配置选择存储后端，并为所有后端加上 Prometheus 计数。
// 返回的 closer 释放共享资源（redis 连接），调用方在关闭运行时后调用。
func NewStorageFactory(global config.GlobalConfig) (StorageFactory, func() error, error) {
	noop := func() error { return nil }

	switch global.StorageBackend {
	case config.BackendFS, "":
		base := global.StoragePath
		return func(site string) (cache.Storage, error) {
			store, err := cache.NewFileStorage(filepath.Join(base, site))
			if err != nil {
				return nil, err
			}
			return cache.WithMetrics(store, config.BackendFS), nil
		}, noop, nil
	case config.BackendMemory:
		return func(string) (cache.Storage, error) {
			return cache.WithMetrics(cache.NewMemoryStorage(), config.BackendMemory), nil
		}, noop, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     global.RedisAddr,
			Password: global.RedisPassword,
			DB:       global.RedisDB,
		})
		return func(site string) (cache.Storage, error) {
			store, err := cache.NewRedisStorage(client, RedisNamespace+":"+site)
			if err != nil {
				return nil, err
			}
			return cache.WithMetrics(store, config.BackendRedis), nil
		}, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", global.StorageBackend)
	}
}
