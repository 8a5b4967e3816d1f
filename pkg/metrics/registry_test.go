package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	assert.False(t, IsEnabled())
	assert.Nil(t, GetRegistry())

	reg := InitRegistry()
	require.NotNil(t, reg)
	assert.True(t, IsEnabled())
	assert.Same(t, reg, InitRegistry(), "InitRegistry is idempotent")
}

func TestServeWithoutRegistry(t *testing.T) {
	Reset()
	assert.Error(t, Serve(context.Background(), "127.0.0.1:0"))
}

func TestRouter(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	srv := httptest.NewServer(NewRouter(InitRegistry()))
	t.Cleanup(srv.Close)

	t.Run("Scrape", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "go_goroutines")
	})

	t.Run("UnknownPath", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/debug")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("OnlyGet", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/metrics", "text/plain", nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
