package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-blue/dcms-edge/internal/cache"
)

func TestInstallPrecachesManifest(t *testing.T) {
	h := newHarness(t)
	bodies := h.serveManifest()

	require.NoError(t, h.manager.Install(context.Background()))
	assert.Equal(t, StateInstalled, h.manager.State())

	part, err := h.storage.inner.Open(context.Background(), "dcms-v3-static")
	require.NoError(t, err)
	for path, body := range bodies {
		u, _ := url.Parse(testOrigin + path)
		snap, err := part.Match(context.Background(), cache.NewKey(http.MethodGet, u))
		require.NoError(t, err, path)
		assert.Equal(t, body, string(snap.Body), path)
	}
	assert.Equal(t, len(DefaultPrecache), h.mock.GetTotalCallCount())
}

func TestInstallBypassesHTTPCache(t *testing.T) {
	h := newHarness(t, withPrecache("/manifest.json"))
	var seen http.Header
	h.mock.RegisterResponder(http.MethodGet, testOrigin+"/manifest.json", func(req *http.Request) (*http.Response, error) {
		seen = req.Header.Clone()
		return httpmock.NewStringResponse(http.StatusOK, `{"name":"Deep Blue"}`), nil
	})

	require.NoError(t, h.manager.Install(context.Background()))
	assert.Equal(t, "no-cache", seen.Get("Cache-Control"))
	assert.Equal(t, "no-cache", seen.Get("Pragma"))
}

func TestInstallFailureMarksRedundant(t *testing.T) {
	h := newHarness(t, withPrecache("/index.html", "/static/js/main.js"))
	h.mock.RegisterResponder(http.MethodGet, testOrigin+"/index.html", httpmock.NewStringResponder(http.StatusOK, "<html></html>"))
	h.mock.RegisterResponder(http.MethodGet, testOrigin+"/static/js/main.js", httpmock.NewStringResponder(http.StatusNotFound, "missing"))

	err := h.manager.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/static/js/main.js")
	assert.Equal(t, StateRedundant, h.manager.State())
	assert.Equal(t, 1, h.reporter.count())
	assert.Equal(t, "install", h.reporter.tags[0]["action"])

	err = h.manager.Activate(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Empty(t, h.clients.claimed)
}

func TestInstallNetworkErrorFails(t *testing.T) {
	h := newHarness(t, withPrecache("/"))
	h.mock.RegisterResponder(http.MethodGet, testOrigin+"/", httpmock.NewErrorResponder(errors.New("connection refused")))

	err := h.manager.Install(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateRedundant, h.manager.State())
}

func TestActivatePrunesStalePartitions(t *testing.T) {
	storage := cache.NewMemoryStorage()
	ctx := context.Background()
	for _, name := range []cache.PartitionName{
		"dcms-v2-20260218-static",
		"dcms-v2-20260218-dynamic",
		"deep-blue-diver-v1-static",
		"other-app-cache",
		"dcms-v3-dynamic",
	} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	h := newHarness(t, withStorage(storage), withPrecache())
	h.installAndActivate(t)

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cache.PartitionName{"dcms-v3-dynamic", "dcms-v3-static", "other-app-cache"}, names)
	assert.Equal(t, StateActivated, h.manager.State())
	require.Len(t, h.clients.claimed, 1)
	assert.Same(t, h.manager, h.clients.claimed[0])
}

// lateWriteClients 模拟旧版本在接管前一刻写回自己的动态分区。
type lateWriteClients struct {
	recordingClients
	storage cache.Storage
}

func (c *lateWriteClients) Claim(ctx context.Context, m *Manager) error {
	if _, err := c.storage.Open(ctx, "dcms-v2-dynamic"); err != nil {
		return err
	}
	return c.recordingClients.Claim(ctx, m)
}

func TestActivateSweepsPartitionsRecreatedBeforeClaim(t *testing.T) {
	storage := cache.NewMemoryStorage()
	clients := &lateWriteClients{storage: storage}
	h := newHarness(t, withStorage(storage), withPrecache(), func(_ *Config, d *Deps) { d.Clients = clients })
	h.installAndActivate(t)

	names, err := storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []cache.PartitionName{"dcms-v3-static"}, names)
	require.Len(t, clients.claimed, 1)
}

func TestActivateRequiresInstall(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.manager.Activate(context.Background()), ErrNotInstalled)
}

func TestPartitionsFor(t *testing.T) {
	parts, err := PartitionsFor("dcms-v2-20260218")
	require.NoError(t, err)
	assert.Equal(t, cache.PartitionName("dcms-v2-20260218-static"), parts.Static)
	assert.Equal(t, cache.PartitionName("dcms-v2-20260218-dynamic"), parts.Dynamic)
	assert.True(t, parts.Stale("dcms-v1-static", DefaultPrefixes))
	assert.False(t, parts.Stale("dcms-v2-20260218-dynamic", DefaultPrefixes))
	assert.False(t, parts.Stale("workbox-precache", DefaultPrefixes))

	_, err = PartitionsFor("")
	assert.Error(t, err)
	_, err = PartitionsFor("v1/evil")
	assert.Error(t, err)
}

func TestNewValidatesDependencies(t *testing.T) {
	origin, _ := url.Parse(testOrigin)
	_, err := New(Config{Origin: origin, Version: "v1"}, Deps{Fetcher: HTTPFetcher{}})
	assert.Error(t, err)
	_, err = New(Config{Origin: origin, Version: "v1"}, Deps{Storage: cache.NewMemoryStorage()})
	assert.Error(t, err)
	_, err = New(Config{Version: "v1"}, Deps{Storage: cache.NewMemoryStorage(), Fetcher: HTTPFetcher{}})
	assert.Error(t, err)

	m, err := New(Config{Origin: origin, Version: "v1"}, Deps{Storage: cache.NewMemoryStorage(), Fetcher: HTTPFetcher{}})
	require.NoError(t, err)
	assert.Equal(t, "cache-first", m.Strategy())
	assert.Equal(t, StateParsed, m.State())
}
