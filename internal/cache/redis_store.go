package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// NewRedisStorage 基于 Redis 构建分区存储，多个边缘实例可共享同一份缓存。
//
// 键布局（namespace 通常是站点名）：
//
//	<namespace>:partitions      SET，保存所有分区名
//	<namespace>:p:<partition>   HASH，field 为 Key.String()，value 为 JSON 快照
func NewRedisStorage(client *redis.Client, namespace string) (Storage, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if namespace == "" {
		return nil, errors.New("redis namespace required")
	}
	return &redisStorage{client: client, namespace: namespace}, nil
}

type redisStorage struct {
	client    *redis.Client
	namespace string
}

type redisPartition struct {
	storage *redisStorage
	name    PartitionName
}

func (s *redisStorage) indexKey() string {
	return s.namespace + ":partitions"
}

func (s *redisStorage) partitionKey(name PartitionName) string {
	return s.namespace + ":p:" + string(name)
}

func (s *redisStorage) Open(ctx context.Context, name PartitionName) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.indexKey(), string(name)).Err(); err != nil {
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisPartition{storage: s, name: name}, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]PartitionName, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(members)
	names := make([]PartitionName, len(members))
	for i, member := range members {
		names[i] = PartitionName(member)
	}
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name PartitionName) (bool, error) {
	removed, err := s.client.SRem(ctx, s.indexKey(), string(name)).Result()
	if err != nil {
		return false, fmt.Errorf("redis srem: %w", err)
	}
	if err := s.client.Del(ctx, s.partitionKey(name)).Err(); err != nil {
		return removed > 0, fmt.Errorf("redis del: %w", err)
	}
	return removed > 0, nil
}

func (s *redisStorage) Match(ctx context.Context, key Key) (*Snapshot, PartitionName, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, name := range names {
		part := &redisPartition{storage: s, name: name}
		snap, err := part.Match(ctx, key)
		switch {
		case err == nil:
			return snap, name, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, "", err
		}
	}
	return nil, "", ErrNotFound
}

// Close 不关闭共享的 redis.Client，连接由创建方负责释放。
func (s *redisStorage) Close() error {
	return nil
}

func (p *redisPartition) Name() PartitionName {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, key Key) (*Snapshot, error) {
	data, err := p.storage.client.HGet(ctx, p.storage.partitionKey(p.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return &snap, nil
}

func (p *redisPartition) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := p.storage.client.HSet(ctx, p.storage.partitionKey(p.name), key.String(), data).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]Key, error) {
	fields, err := p.storage.client.HKeys(ctx, p.storage.partitionKey(p.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		key, err := ParseKey(field)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
