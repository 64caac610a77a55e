package cachefirst

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-blue/dcms-edge/internal/cache"
	"github.com/deep-blue/dcms-edge/internal/strategy"
)

type fakeEnv struct {
	cached       map[string]string
	lookupErr    error
	networkBody  string
	networkErr   error
	lookupCalls  int
	networkCalls int
}

func (f *fakeEnv) Lookup(_ context.Context, req *http.Request) (*http.Response, error) {
	f.lookupCalls++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	body, ok := f.cached[req.URL.Path]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeEnv) Network(_ context.Context, _ *http.Request) (*http.Response, error) {
	f.networkCalls++
	if f.networkErr != nil {
		return nil, f.networkErr
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(f.networkBody))}, nil
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestRegistered(t *testing.T) {
	meta, ok := strategy.Resolve(Key)
	require.True(t, ok)
	assert.Equal(t, strategy.DefaultKey(), meta.Key)
	assert.NotNil(t, meta.Handler)
}

func TestHitSkipsNetwork(t *testing.T) {
	env := &fakeEnv{cached: map[string]string{"/static/css/main.css": "body{}"}}
	req := httptest.NewRequest(http.MethodGet, "https://book.deepblue.local/static/css/main.css", nil)

	resp, source, err := Handle(context.Background(), req, env)
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceCache, source)
	assert.Equal(t, "body{}", readBody(t, resp))
	assert.Zero(t, env.networkCalls)
}

func TestMissUsesNetwork(t *testing.T) {
	env := &fakeEnv{networkBody: "fresh"}
	req := httptest.NewRequest(http.MethodGet, "https://book.deepblue.local/courses", nil)

	resp, source, err := Handle(context.Background(), req, env)
	require.NoError(t, err)
	assert.Equal(t, strategy.SourceNetwork, source)
	assert.Equal(t, "fresh", readBody(t, resp))
	assert.Equal(t, 1, env.lookupCalls)
	assert.Equal(t, 1, env.networkCalls)
}

func TestMissWithNetworkFailure(t *testing.T) {
	offline := errors.New("dial tcp: connection refused")
	env := &fakeEnv{networkErr: offline}
	req := httptest.NewRequest(http.MethodGet, "https://book.deepblue.local/courses", nil)

	_, _, err := Handle(context.Background(), req, env)
	assert.ErrorIs(t, err, offline)
}

func TestStoreFailureSkipsNetwork(t *testing.T) {
	broken := errors.New("redis: connection pool timeout")
	env := &fakeEnv{lookupErr: broken, networkBody: "fresh"}
	req := httptest.NewRequest(http.MethodGet, "https://book.deepblue.local/courses", nil)

	_, source, err := Handle(context.Background(), req, env)
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, strategy.SourceCache, source)
	assert.Zero(t, env.networkCalls)
}
