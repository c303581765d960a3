// Package ingest turns a download URL into a stored book: dedup check,
// browser download, upload, insert, cleanup.
package ingest

import (
	"context"
	"errors"
	"io"

	"bookrelay/internal/models"
)

// ErrDuplicate is returned by Library.Insert when a book with the same
// download URL already exists.
var ErrDuplicate = errors.New("book with this download url already exists")

// ErrNotFound is returned for unknown ids.
var ErrNotFound = errors.New("book not found")

// Library is the storage and database collaborator. One implementation is
// chosen at startup.
type Library interface {
	// FindByDownloadURL returns nil, nil when no book has this exact URL.
	FindByDownloadURL(ctx context.Context, downloadURL string) (*models.PersistedBook, error)
	Upload(ctx context.Context, localPath string, objectName string) (models.StoredObject, error)
	Insert(ctx context.Context, book models.PersistedBook) (models.PersistedBook, error)
	// Remove deletes an uploaded object. Used as a compensating action.
	Remove(ctx context.Context, storagePath string) error
	// DeleteRecord removes the row, then the object on a best-effort basis.
	DeleteRecord(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (models.PersistedBook, error)
	List(ctx context.Context, limit int) ([]models.PersistedBook, error)
	OpenObject(ctx context.Context, storagePath string) (io.ReadCloser, error)
}
