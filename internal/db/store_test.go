package db

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookrelay/internal/ingest"
	"bookrelay/internal/models"
	"bookrelay/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	files, err := storage.NewDisk(filepath.Join(dir, "books"), "http://localhost:8080", 0)
	require.NoError(t, err)
	s, err := Open(DriverSQLite, filepath.Join(dir, "data", "app.db"), files)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func uploadBook(t *testing.T, s *Store, name string) models.StoredObject {
	t.Helper()
	src := filepath.Join(t.TempDir(), "scratch.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7"), 0644))
	obj, err := s.Upload(context.Background(), src, name)
	require.NoError(t, err)
	return obj
}

func TestInsertFindAndDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	missing, err := s.FindByDownloadURL(ctx, "https://mirror.example/a")
	require.NoError(t, err)
	assert.Nil(t, missing)

	obj := uploadBook(t, s, "id_Eloquent_JavaScript.pdf")
	book, err := s.Insert(ctx, models.PersistedBook{
		Title: "Eloquent JavaScript", Author: "Marijn Haverbeke", Format: "PDF",
		CoverURL:    "https://catalog.example/covers/eloquent.jpg",
		DownloadURL: "https://mirror.example/a", StoragePath: obj.Path, PublicURL: obj.PublicURL, SizeBytes: obj.SizeBytes,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, book.ID)

	found, err := s.FindByDownloadURL(ctx, "https://mirror.example/a")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, book.ID, found.ID)
	assert.Equal(t, "http://localhost:8080/files/id_Eloquent_JavaScript.pdf", found.PublicURL)
	assert.Equal(t, int64(8), found.SizeBytes)
	assert.Equal(t, "https://catalog.example/covers/eloquent.jpg", found.CoverURL)
	assert.WithinDuration(t, book.CreatedAt, found.CreatedAt, time.Millisecond)

	// Exact string match only.
	other, err := s.FindByDownloadURL(ctx, "https://mirror.example/a/")
	require.NoError(t, err)
	assert.Nil(t, other)

	_, err = s.Insert(ctx, models.PersistedBook{Title: "Copy", Author: "X", Format: "PDF", DownloadURL: "https://mirror.example/a", StoragePath: "p", PublicURL: "u"})
	assert.ErrorIs(t, err, ingest.ErrDuplicate)
}

func TestListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, u := range []string{"https://m.example/1", "https://m.example/2", "https://m.example/3"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return at }
		_, err := s.Insert(ctx, models.PersistedBook{Title: u, Author: "A", Format: "PDF", DownloadURL: u, StoragePath: u, PublicURL: u})
		require.NoError(t, err)
	}

	books, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, "https://m.example/3", books[0].DownloadURL)
	assert.Equal(t, "https://m.example/2", books[1].DownloadURL)
}

func TestDeleteRecordRemovesObject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	obj := uploadBook(t, s, "id_Book.pdf")
	book, err := s.Insert(ctx, models.PersistedBook{Title: "Book", Author: "A", Format: "PDF", DownloadURL: "https://m.example/x", StoragePath: obj.Path, PublicURL: obj.PublicURL})
	require.NoError(t, err)

	rc, err := s.OpenObject(ctx, obj.Path)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "%PDF-1.7", string(data))

	require.NoError(t, s.DeleteRecord(ctx, book.ID))

	_, err = s.Get(ctx, book.ID)
	assert.ErrorIs(t, err, ingest.ErrNotFound)
	_, err = s.OpenObject(ctx, obj.Path)
	assert.Error(t, err)

	assert.ErrorIs(t, s.DeleteRecord(ctx, book.ID), ingest.ErrNotFound)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM books WHERE id = $1 AND title = $2", pg.rebind("SELECT * FROM books WHERE id = ? AND title = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "id = ?", lite.rebind("id = ?"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	assert.Error(t, err)
}

func TestOpenAddsCoverColumnToOlderDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")

	old, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = old.Exec(`CREATE TABLE books (
	id TEXT PRIMARY KEY, title TEXT NOT NULL, author TEXT NOT NULL, format TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '', download_url TEXT NOT NULL, storage_path TEXT NOT NULL,
	public_url TEXT NOT NULL, size_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL, updated_at TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = old.Exec(`INSERT INTO books VALUES ('b1', 'T', 'A', 'PDF', '', 'https://m.example/1', 'p', 'u', 1, '', '')`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	files, err := storage.NewDisk(filepath.Join(dir, "books"), "http://localhost:8080", 0)
	require.NoError(t, err)
	s, err := Open(DriverSQLite, path, files)
	require.NoError(t, err)

	b, err := s.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, b.CoverURL)
	require.NoError(t, s.Close())

	// Reopening an already migrated database is fine.
	again, err := Open(DriverSQLite, path, files)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
