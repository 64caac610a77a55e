package host

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-blue/dcms-edge/internal/cache"
	"github.com/deep-blue/dcms-edge/internal/config"
)

func TestStorageFactoryBackends(t *testing.T) {
	base := t.TempDir()
	factory, closer, err := NewStorageFactory(config.GlobalConfig{StorageBackend: config.BackendFS, StoragePath: base})
	require.NoError(t, err)
	defer closer()

	store, err := factory("deep-blue")
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Open(context.Background(), cache.PartitionName("dcms-v1-static"))
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(base, "deep-blue", "dcms-v1-static"))

	factory, closer, err = NewStorageFactory(config.GlobalConfig{StorageBackend: config.BackendMemory})
	require.NoError(t, err)
	defer closer()
	mem, err := factory("deep-blue")
	require.NoError(t, err)
	names, err := mem.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)

	_, _, err = NewStorageFactory(config.GlobalConfig{StorageBackend: "s3"})
	assert.Error(t, err)
}
