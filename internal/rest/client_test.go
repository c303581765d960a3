package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookrelay/internal/ingest"
	"bookrelay/internal/models"
	"bookrelay/internal/network"
)

// backend is a tiny in-memory stand-in for the row and object APIs.
type backend struct {
	t       *testing.T
	mu      sync.Mutex
	rows    []row
	objects map[string][]byte
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	b := &backend{t: t, objects: map[string][]byte{}}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Header.Get("apikey") != "key" || r.Header.Get("Authorization") != "Bearer key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/rest/v1/books":
		b.serveRows(w, r)
	case strings.HasPrefix(r.URL.Path, "/storage/v1/object/books/"):
		name := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/books/")
		switch r.Method {
		case http.MethodPost:
			if _, ok := b.objects[name]; ok {
				w.WriteHeader(http.StatusConflict)
				return
			}
			data, _ := io.ReadAll(r.Body)
			b.objects[name] = data
			_, _ = w.Write([]byte(`{"Key":"books/` + name + `"}`))
		case http.MethodGet:
			data, ok := b.objects[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		case http.MethodDelete:
			delete(b.objects, name)
			_, _ = w.Write([]byte(`{}`))
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *backend) serveRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	match := func(x row) bool {
		if v := q.Get("download_url"); v != "" && "eq."+x.DownloadURL != v {
			return false
		}
		if v := q.Get("id"); v != "" && "eq."+x.ID != v {
			return false
		}
		return true
	}

	out := []row{}
	switch r.Method {
	case http.MethodGet:
		for _, x := range b.rows {
			if match(x) {
				out = append(out, x)
			}
		}
		if q.Get("order") == "created_at.desc" {
			sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		}
	case http.MethodPost:
		assert.Equal(b.t, "download_url", q.Get("on_conflict"))
		var in []row
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&in))
		for _, x := range in {
			dup := false
			for _, existing := range b.rows {
				if existing.DownloadURL == x.DownloadURL {
					dup = true
				}
			}
			if !dup {
				b.rows = append(b.rows, x)
				out = append(out, x)
			}
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		kept := b.rows[:0]
		for _, x := range b.rows {
			if match(x) {
				out = append(out, x)
				continue
			}
			kept = append(kept, x)
		}
		b.rows = kept
	}
	_ = json.NewEncoder(w).Encode(out)
}

func newTestClient(t *testing.T) (*Client, *backend) {
	b, srv := newBackend(t)
	return New(network.Connection{BaseURL: srv.URL, APIKey: "key"}, srv.Client(), "books"), b
}

func TestUploadInsertFind(t *testing.T) {
	c, b := newTestClient(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "scratch.epub")
	require.NoError(t, os.WriteFile(src, []byte("epub-bytes"), 0644))

	obj, err := c.Upload(ctx, src, "id_Eloquent_JavaScript.epub")
	require.NoError(t, err)
	assert.Equal(t, int64(10), obj.SizeBytes)
	assert.Equal(t, c.conn.BaseURL+"/storage/v1/object/public/books/id_Eloquent_JavaScript.epub", obj.PublicURL)
	assert.Equal(t, []byte("epub-bytes"), b.objects["id_Eloquent_JavaScript.epub"])

	book, err := c.Insert(ctx, models.PersistedBook{
		Title: "Eloquent JavaScript", Author: "Marijn Haverbeke", Format: "EPUB",
		DownloadURL: "https://mirror.example/a?x=1&y=2", StoragePath: obj.Path, PublicURL: obj.PublicURL, SizeBytes: obj.SizeBytes,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, book.ID)

	found, err := c.FindByDownloadURL(ctx, "https://mirror.example/a?x=1&y=2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, book.ID, found.ID)

	missing, err := c.FindByDownloadURL(ctx, "https://mirror.example/b")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = c.Insert(ctx, models.PersistedBook{Title: "Again", DownloadURL: "https://mirror.example/a?x=1&y=2"})
	assert.ErrorIs(t, err, ingest.ErrDuplicate)

	rc, err := c.OpenObject(ctx, obj.Path)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "epub-bytes", string(data))
}

func TestDeleteRecordRemovesObject(t *testing.T) {
	c, b := newTestClient(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "scratch.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf"), 0644))
	obj, err := c.Upload(ctx, src, "id_Book.pdf")
	require.NoError(t, err)
	book, err := c.Insert(ctx, models.PersistedBook{Title: "Book", DownloadURL: "https://m.example/1", StoragePath: obj.Path})
	require.NoError(t, err)

	require.NoError(t, c.DeleteRecord(ctx, book.ID))
	assert.Empty(t, b.rows)
	assert.Empty(t, b.objects)

	assert.ErrorIs(t, c.DeleteRecord(ctx, book.ID), ingest.ErrNotFound)
	_, err = c.Get(ctx, book.ID)
	assert.ErrorIs(t, err, ingest.ErrNotFound)
	_, err = c.OpenObject(ctx, obj.Path)
	assert.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestListAndErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, u := range []string{"https://m.example/1", "https://m.example/2"} {
		_, err := c.Insert(ctx, models.PersistedBook{Title: u, DownloadURL: u})
		require.NoError(t, err)
	}
	books, err := c.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, books, 2)

	bad := New(network.Connection{BaseURL: c.conn.BaseURL, APIKey: "wrong"}, nil, "books")
	_, err = bad.FindByDownloadURL(ctx, "https://m.example/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
