package cache

import (
	"context"
	"errors"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// NewMemoryStorage 返回进程内的分区存储，重启后内容丢失，适合开发与测试。
func NewMemoryStorage() Storage {
	return &memoryStorage{partitions: make(map[PartitionName]*memoryPartition)}
}

type memoryStorage struct {
	mu         sync.RWMutex
	partitions map[PartitionName]*memoryPartition
}

type memoryPartition struct {
	name    PartitionName
	entries *gocache.Cache
}

func (s *memoryStorage) Open(ctx context.Context, name PartitionName) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.partitions[name]
	if !ok {
		// 条目永不过期，只随分区整体删除。
		part = &memoryPartition{name: name, entries: gocache.New(gocache.NoExpiration, 0)}
		s.partitions[name] = part
	}
	return part, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]PartitionName, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]PartitionName, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name PartitionName) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	part, ok := s.partitions[name]
	delete(s.partitions, name)
	s.mu.Unlock()
	if ok {
		part.entries.Flush()
	}
	return ok, nil
}

func (s *memoryStorage) Match(ctx context.Context, key Key) (*Snapshot, PartitionName, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, name := range names {
		s.mu.RLock()
		part := s.partitions[name]
		s.mu.RUnlock()
		if part == nil {
			continue
		}
		if snap, err := part.Match(ctx, key); err == nil {
			return snap, name, nil
		}
	}
	return nil, "", ErrNotFound
}

func (s *memoryStorage) Close() error {
	return nil
}

func (p *memoryPartition) Name() PartitionName {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, ok := p.entries.Get(key.String())
	if !ok {
		return nil, ErrNotFound
	}
	snap, ok := raw.(*Snapshot)
	if !ok {
		return nil, ErrNotFound
	}
	return snap.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	p.entries.Set(key.String(), snapshot.Clone(), gocache.NoExpiration)
	return nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := p.entries.Items()
	keys := make([]Key, 0, len(items))
	for raw := range items {
		key, err := ParseKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
