package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConnectionPicksFirstHealthy(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	var gotKey string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apikey")
		assert.Equal(t, "/rest/v1/", r.URL.Path)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer up.Close()

	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("lower-priority candidate must not be contacted")
	}))
	defer second.Close()

	conn, err := ResolveConnection(context.Background(), http.DefaultClient,
		[]string{down.URL, up.URL + "/", second.URL}, "secret")
	require.NoError(t, err)
	assert.Equal(t, up.URL, conn.BaseURL)
	assert.Equal(t, "secret", conn.APIKey)
	assert.Equal(t, "secret", gotKey)
}

func TestResolveConnectionAllDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	srv.Close()

	_, err := ResolveConnection(context.Background(), http.DefaultClient, []string{srv.URL}, "")
	assert.Error(t, err)

	_, err = ResolveConnection(context.Background(), http.DefaultClient, nil, "")
	assert.Error(t, err)
}

func TestNewClient(t *testing.T) {
	direct, err := NewClient("")
	require.NoError(t, err)
	assert.Nil(t, direct.Transport)

	proxied, err := NewClient("127.0.0.1:9050")
	require.NoError(t, err)
	tr, ok := proxied.Transport.(*http.Transport)
	require.True(t, ok)
	assert.True(t, tr.DialContext != nil || tr.Dial != nil)
}
