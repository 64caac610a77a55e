package cache

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MatchTotal 统计跨分区查找结果，result 取 hit / miss / error。
	MatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcms_edge_cache_match_total",
			Help: "Total number of cache lookups by result",
		},
		[]string{"backend", "result"},
	)

	// PutTotal 统计写入的条目数。
	PutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcms_edge_cache_put_total",
			Help: "Total number of cache entries written",
		},
		[]string{"backend", "partition_kind"},
	)

	// StoredBytes 统计写入的正文字节数。
	StoredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcms_edge_cache_stored_bytes_total",
			Help: "Total number of body bytes written to the cache",
		},
		[]string{"backend"},
	)

	// PartitionsDeleted 统计激活阶段清理掉的分区。
	PartitionsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcms_edge_cache_partitions_deleted_total",
			Help: "Total number of cache partitions deleted",
		},
		[]string{"backend"},
	)

	// Errors 统计后端操作错误。
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcms_edge_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"backend", "operation"}, // "open", "keys", "delete", "match", "put"
	)
)

// WithMetrics 为 Storage 增加 Prometheus 计数，不改变任何语义。
func WithMetrics(storage Storage, backend string) Storage {
	if storage == nil {
		return nil
	}
	return &meteredStorage{inner: storage, backend: backend}
}

type meteredStorage struct {
	inner   Storage
	backend string
}

func (m *meteredStorage) Open(ctx context.Context, name PartitionName) (Partition, error) {
	part, err := m.inner.Open(ctx, name)
	if err != nil {
		Errors.WithLabelValues(m.backend, "open").Inc()
		return nil, err
	}
	return &meteredPartition{inner: part, backend: m.backend}, nil
}

func (m *meteredStorage) Keys(ctx context.Context) ([]PartitionName, error) {
	names, err := m.inner.Keys(ctx)
	if err != nil {
		Errors.WithLabelValues(m.backend, "keys").Inc()
	}
	return names, err
}

func (m *meteredStorage) Delete(ctx context.Context, name PartitionName) (bool, error) {
	deleted, err := m.inner.Delete(ctx, name)
	if err != nil {
		Errors.WithLabelValues(m.backend, "delete").Inc()
	}
	if deleted {
		PartitionsDeleted.WithLabelValues(m.backend).Inc()
	}
	return deleted, err
}

func (m *meteredStorage) Match(ctx context.Context, key Key) (*Snapshot, PartitionName, error) {
	snap, name, err := m.inner.Match(ctx, key)
	switch {
	case err == nil:
		MatchTotal.WithLabelValues(m.backend, "hit").Inc()
	case errors.Is(err, ErrNotFound):
		MatchTotal.WithLabelValues(m.backend, "miss").Inc()
	default:
		MatchTotal.WithLabelValues(m.backend, "error").Inc()
		Errors.WithLabelValues(m.backend, "match").Inc()
	}
	return snap, name, err
}

func (m *meteredStorage) Close() error {
	return m.inner.Close()
}

type meteredPartition struct {
	inner   Partition
	backend string
}

func (p *meteredPartition) Name() PartitionName {
	return p.inner.Name()
}

func (p *meteredPartition) Match(ctx context.Context, key Key) (*Snapshot, error) {
	snap, err := p.inner.Match(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		Errors.WithLabelValues(p.backend, "match").Inc()
	}
	return snap, err
}

func (p *meteredPartition) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if err := p.inner.Put(ctx, key, snapshot); err != nil {
		Errors.WithLabelValues(p.backend, "put").Inc()
		return err
	}
	PutTotal.WithLabelValues(p.backend, partitionKind(p.inner.Name())).Inc()
	StoredBytes.WithLabelValues(p.backend).Add(float64(snapshot.Size()))
	return nil
}

func (p *meteredPartition) Keys(ctx context.Context) ([]Key, error) {
	keys, err := p.inner.Keys(ctx)
	if err != nil {
		Errors.WithLabelValues(p.backend, "keys").Inc()
	}
	return keys, err
}

// partitionKind 取分区名最后一段（static / dynamic），避免版本号造成标签基数膨胀。
func partitionKind(name PartitionName) string {
	raw := string(name)
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '-' {
			return raw[i+1:]
		}
	}
	return "other"
}
