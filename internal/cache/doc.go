// Package cache defines the partitioned response store used by the lifecycle
// manager. A Storage holds named partitions (for example
// "dcms-v3-static" / "dcms-v3-dynamic"); each partition maps a normalized
// request Key (method + absolute URL) to a Snapshot of the response status,
// headers and body. Three backends share the same contract: a disk layout
// under StoragePath/<site>/<partition>/ written with temp file + rename, an
// in-process go-cache backend, and a Redis backend for edges that share one
// cache. Every backend is safe for concurrent use, so callers never lock.
package cache
